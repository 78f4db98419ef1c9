// Package store persists wallet activities in postgres: optimistic pending
// rows written at broadcast time and their reconciled replacements once the
// trace settles.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/toncenter/ton-wallet-engine/engine/models"
)

type Store struct {
	Pool *pgxpool.Pool
	log  *logrus.Logger
}

func NewStore(dsn string, maxconns, minconns int, log *logrus.Logger) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if maxconns > 0 {
		config.MaxConns = int32(maxconns)
	}
	if minconns > 0 {
		config.MinConns = int32(minconns)
	}
	config.HealthCheckPeriod = 60 * time.Second

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err = pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{Pool: pool, log: log}, nil
}

const schema = `
create table if not exists activities (
	activity_id text primary key,
	account text not null,
	network text not null,
	status text not null,
	kind text not null,
	msg_hash_norm text not null,
	amount text,
	fee text,
	real_fee text,
	excess text,
	details jsonb,
	created_at timestamptz not null default now(),
	updated_at timestamptz not null default now()
);
create index if not exists activities_account_idx on activities (account, created_at desc);
create index if not exists activities_msg_hash_idx on activities (msg_hash_norm);
`

func (s *Store) Init(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, schema)
	return err
}

// Row is one stored activity. Amounts are kept as decimal strings: numeric
// columns round-trip through big.Int without precision loss that way.
type Row struct {
	ActivityID  string
	Account     string
	Network     models.Network
	Status      models.ActivityStatus
	Kind        string
	MsgHashNorm string
	Amount      *big.Int
	Fee         *big.Int
	RealFee     *big.Int
	Excess      *big.Int
	Details     json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func bigToText(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func textToBig(v *string) *big.Int {
	if v == nil {
		return nil
	}
	n, ok := new(big.Int).SetString(*v, 10)
	if !ok {
		return nil
	}
	return n
}

// SavePending upserts an optimistic activity written right after broadcast,
// before the indexer has seen the trace.
func (s *Store) SavePending(ctx context.Context, row *Row) error {
	_, err := s.Pool.Exec(ctx, `
		insert into activities
			(activity_id, account, network, status, kind, msg_hash_norm,
			 amount, fee, real_fee, excess, details)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		on conflict (activity_id) do update set
			status = excluded.status,
			amount = excluded.amount,
			fee = excluded.fee,
			real_fee = excluded.real_fee,
			excess = excluded.excess,
			details = excluded.details,
			updated_at = now()`,
		row.ActivityID, row.Account, string(row.Network), string(models.ActivityPending),
		row.Kind, row.MsgHashNorm,
		bigToText(row.Amount), bigToText(row.Fee), bigToText(row.RealFee), bigToText(row.Excess),
		row.Details,
	)
	return err
}

// Reconcile replaces the pending rows of one external message with the
// settled activities in a single transaction, so readers never observe both.
func (s *Store) Reconcile(ctx context.Context, msgHashNorm string, rows []*Row) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`delete from activities where msg_hash_norm = $1 and status = $2`,
		msgHashNorm, string(models.ActivityPending))
	if err != nil {
		return err
	}
	for _, row := range rows {
		_, err = tx.Exec(ctx, `
			insert into activities
				(activity_id, account, network, status, kind, msg_hash_norm,
				 amount, fee, real_fee, excess, details)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			on conflict (activity_id) do update set
				status = excluded.status,
				amount = excluded.amount,
				fee = excluded.fee,
				real_fee = excluded.real_fee,
				excess = excluded.excess,
				details = excluded.details,
				updated_at = now()`,
			row.ActivityID, row.Account, string(row.Network), string(row.Status),
			row.Kind, row.MsgHashNorm,
			bigToText(row.Amount), bigToText(row.Fee), bigToText(row.RealFee), bigToText(row.Excess),
			row.Details,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

const selectColumns = `activity_id, account, network, status, kind, msg_hash_norm,
	amount, fee, real_fee, excess, details, created_at, updated_at`

func scanRow(scanner pgx.Row) (*Row, error) {
	var row Row
	var network, status string
	var amount, fee, realFee, excess *string
	err := scanner.Scan(
		&row.ActivityID, &row.Account, &network, &status, &row.Kind, &row.MsgHashNorm,
		&amount, &fee, &realFee, &excess, &row.Details, &row.CreatedAt, &row.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	row.Network = models.Network(network)
	row.Status = models.ActivityStatus(status)
	row.Amount = textToBig(amount)
	row.Fee = textToBig(fee)
	row.RealFee = textToBig(realFee)
	row.Excess = textToBig(excess)
	return &row, nil
}

// ByID returns the activity or nil when unknown.
func (s *Store) ByID(ctx context.Context, activityID string) (*Row, error) {
	row, err := scanRow(s.Pool.QueryRow(ctx,
		`select `+selectColumns+` from activities where activity_id = $1`, activityID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

// PendingByAccount lists unreconciled activities of an account, oldest first,
// for the reconcile pass.
func (s *Store) PendingByAccount(ctx context.Context, account string) ([]*Row, error) {
	rows, err := s.Pool.Query(ctx, `
		select `+selectColumns+` from activities
		where account = $1 and status = $2
		order by created_at`,
		account, string(models.ActivityPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ByAccount lists recent activities of an account, newest first.
func (s *Store) ByAccount(ctx context.Context, account string, limit int) ([]*Row, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Pool.Query(ctx, `
		select `+selectColumns+` from activities
		where account = $1
		order by created_at desc
		limit $2`,
		account, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// PrunePending drops pending rows that never settled. They stay long past any
// realistic confirmation window so a lagging indexer cannot lose history.
func (s *Store) PrunePending(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `
		delete from activities
		where status = $1 and created_at < now() - $2::interval`,
		string(models.ActivityPending),
		fmt.Sprintf("%d seconds", int64(olderThan/time.Second)))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) Close() {
	s.Pool.Close()
}
