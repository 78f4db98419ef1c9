// Package wallet exposes account snapshots used by the transfer pipeline:
// balance, seqno, initialization status and contract kind.
package wallet

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/toncenter/ton-wallet-engine/engine/toncenter"
	"github.com/toncenter/ton-wallet-engine/engine/units"
)

// hasTransactionTTL bounds the cache for the to-address-is-new check; an
// address that gained its first transaction shows up within this window.
const hasTransactionTTL = time.Hour

type Info struct {
	Balance       *big.Int
	Seqno         uint32
	IsInitialized bool
	IsWallet      bool
	Version       string
	WalletID      int64
}

type Service struct {
	rpc *toncenter.Client
	rdb *redis.Client
	log *logrus.Logger
}

func NewService(rpc *toncenter.Client, rdb *redis.Client, log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{rpc: rpc, rdb: rdb, log: log}
}

// GetWalletInfo loads the wallet snapshot from the RPC.
func (s *Service) GetWalletInfo(ctx context.Context, address string) (*Info, error) {
	state, err := s.rpc.GetWalletState(ctx, address)
	if err != nil {
		return nil, err
	}
	balance, err := units.FromString(state.Balance)
	if err != nil {
		return nil, err
	}
	info := &Info{
		Balance:       balance,
		IsInitialized: state.IsInitialized(),
		IsWallet:      state.IsWallet,
	}
	if state.Seqno != nil {
		info.Seqno = *state.Seqno
	}
	if state.WalletType != nil {
		info.Version = *state.WalletType
	}
	if state.WalletID != nil {
		info.WalletID = *state.WalletID
	}
	return info, nil
}

func (s *Service) GetSeqno(ctx context.Context, address string) (uint32, error) {
	info, err := s.GetWalletInfo(ctx, address)
	if err != nil {
		return 0, err
	}
	return info.Seqno, nil
}

func (s *Service) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	info, err := s.GetWalletInfo(ctx, address)
	if err != nil {
		return nil, err
	}
	return info.Balance, nil
}

// GetContractInfo reports whether the address is deployed and whether its
// code is a known wallet.
func (s *Service) GetContractInfo(ctx context.Context, address string) (isInitialized, isWallet bool, err error) {
	state, err := s.rpc.GetAddressInfo(ctx, address)
	if err != nil {
		if serverErr, ok := toncenter.AsServerError(err); ok && serverErr.StatusCode == 404 {
			return false, false, nil
		}
		return false, false, err
	}
	return state.IsInitialized(), state.IsWallet, nil
}

// HasTransaction reports whether the address ever transacted. Positive
// answers are cached: they cannot become false again.
func (s *Service) HasTransaction(ctx context.Context, address string) (bool, error) {
	cacheKey := "has_tx:" + address
	if s.rdb != nil {
		cached, err := s.rdb.Get(ctx, cacheKey).Result()
		if err == nil {
			return cached == "1", nil
		}
		if !errors.Is(err, redis.Nil) {
			s.log.WithError(err).Warn("has-transaction cache read failed")
		}
	}

	has, err := s.rpc.HasTransactions(ctx, address)
	if err != nil {
		return false, err
	}
	if has && s.rdb != nil {
		if err := s.rdb.Set(ctx, cacheKey, "1", hasTransactionTTL).Err(); err != nil {
			s.log.WithError(err).Warn("has-transaction cache write failed")
		}
	}
	return has, nil
}
