// Package diesel decides whether a token transfer should be sponsored
// (paid in the token or in stars instead of toncoin) and estimates the
// sponsorship cost through the backend.
package diesel

import (
	"context"
	"math/big"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/toncenter/ton-wallet-engine/engine/models"
	"github.com/toncenter/ton-wallet-engine/engine/units"
)

type Status string

const (
	StatusNotAvailable    Status = "not-available"
	StatusNotAuthorized   Status = "not-authorized"
	StatusPendingPrevious Status = "pending-previous"
	StatusAvailable       Status = "available"
	StatusStarsFee        Status = "stars-fee"
)

const (
	// MaxBalanceWithCheckDiesel is the toncoin balance above which
	// sponsorship is never considered (0.1 TON).
	MaxBalanceWithCheckDiesel = 100_000_000
	// PendingDieselTimeout is how long a previous unfinished sponsored
	// transfer keeps forcing the gasless path.
	PendingDieselTimeout = 15 * time.Minute
	// DefaultFee is the base gas attached to any transfer (0.015 TON).
	DefaultFee = 15_000_000
	// TokenTransferTonAmount is the toncoin attached to a token transfer;
	// TokenTransferRealTonAmount is what it actually costs, the rest
	// returns as excess.
	TokenTransferTonAmount     = 50_000_000
	TokenTransferRealTonAmount = 30_000_000
)

type Token struct {
	Address          string
	Slug             string
	Decimals         int
	IsGaslessEnabled bool
	IsStarsEnabled   bool
}

// Estimate is the sponsorship decision. Amount is set only for the
// available and stars-fee statuses: the token (or stars) price of the
// sponsorship.
type Estimate struct {
	Status       Status   `json:"status"`
	Amount       *big.Int `json:"amount,omitempty"`
	NativeAmount *big.Int `json:"nativeAmount"`
	RemainingFee *big.Int `json:"remainingFee"`
	RealFee      *big.Int `json:"realFee"`
}

func NotAvailable() *Estimate {
	return &Estimate{
		Status:       StatusNotAvailable,
		NativeAmount: big.NewInt(0),
		RemainingFee: big.NewInt(0),
		RealFee:      big.NewInt(0),
	}
}

// IsAvailable reports whether the sponsorship can actually be used.
func IsAvailable(e *Estimate) bool {
	return e != nil && (e.Status == StatusAvailable || e.Status == StatusStarsFee)
}

// TokenAmount is the token price of the sponsorship, zero when undefined.
func TokenAmount(e *Estimate) *big.Int {
	if e == nil || e.Amount == nil {
		return big.NewInt(0)
	}
	return e.Amount
}

// RawEstimate is the backend answer before unit conversion.
type RawEstimate struct {
	Status           Status  `json:"status"`
	Amount           *string `json:"amount,omitempty"`
	PendingCreatedAt *string `json:"pendingCreatedAt,omitempty"`
}

// Backend estimates sponsorship prices.
type Backend interface {
	EstimateDiesel(ctx context.Context, address, tokenAddress, toncoinAmount string, isW5, isStars bool) (*RawEstimate, error)
}

// TokenSource resolves known tokens by master address.
type TokenSource interface {
	TokenByAddress(address string) *Token
}

// BalanceSource provides wallet balances for the decision.
type BalanceSource interface {
	NativeBalance(ctx context.Context, address string) (*big.Int, error)
	TokenBalance(ctx context.Context, ownerAddress, tokenAddress string) (*big.Int, error)
}

type Engine struct {
	Network  models.Network
	Backend  Backend
	Tokens   TokenSource
	Balances BalanceSource
	Log      *logrus.Logger

	// now is swappable in tests.
	now func() time.Time
}

func NewEngine(
	network models.Network,
	backend Backend,
	tokens TokenSource,
	balances BalanceSource,
	log *logrus.Logger,
) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		Network:  network,
		Backend:  backend,
		Tokens:   tokens,
		Balances: balances,
		Log:      log,
		now:      time.Now,
	}
}

type GetDieselOptions struct {
	WalletAddress       string
	WalletVersion       string
	TokenAddress        string
	CanTransferGasfully bool
	// Optional precomputed balances to skip network requests.
	ToncoinBalance *big.Int
	TokenBalance   *big.Int
}

// GetDiesel decides whether the transfer must be gasless and fetches the
// estimate from the backend. Mainnet only; a wallet holding enough toncoin
// never goes gasless.
func (e *Engine) GetDiesel(ctx context.Context, opts GetDieselOptions) (*Estimate, error) {
	if e.Network != models.NetworkMainnet || e.Backend == nil {
		return NotAvailable(), nil
	}

	token := e.Tokens.TokenByAddress(opts.TokenAddress)
	if token == nil || (!token.IsGaslessEnabled && !token.IsStarsEnabled) {
		return NotAvailable(), nil
	}

	toncoinBalance := opts.ToncoinBalance
	if toncoinBalance == nil {
		var err error
		toncoinBalance, err = e.Balances.NativeBalance(ctx, opts.WalletAddress)
		if err != nil {
			return nil, err
		}
	}

	feeAmount, realFee, isStars := dieselToncoinFee(token)
	toncoinNeeded := new(big.Int).Sub(feeAmount, toncoinBalance)

	if toncoinBalance.Cmp(big.NewInt(MaxBalanceWithCheckDiesel)) >= 0 || toncoinNeeded.Sign() <= 0 {
		return NotAvailable(), nil
	}

	raw, err := e.Backend.EstimateDiesel(
		ctx,
		opts.WalletAddress,
		opts.TokenAddress,
		units.ToDecimal(toncoinNeeded, units.TonDecimals),
		opts.WalletVersion == "W5",
		isStars,
	)
	if err != nil {
		return nil, err
	}

	estimate := &Estimate{
		Status:       raw.Status,
		NativeAmount: toncoinNeeded,
		RemainingFee: toncoinBalance,
		RealFee:      realFee,
	}
	if raw.Amount != nil {
		decimals := token.Decimals
		if raw.Status == StatusStarsFee {
			decimals = 0
		}
		amount, err := units.FromDecimal(*raw.Amount, decimals)
		if err != nil {
			return nil, err
		}
		estimate.Amount = amount
	}

	tokenAmount := TokenAmount(estimate)
	if tokenAmount.Sign() == 0 {
		return estimate, nil
	}

	tokenBalance := opts.TokenBalance
	if tokenBalance == nil {
		tokenBalance, err = e.Balances.TokenBalance(ctx, opts.WalletAddress, opts.TokenAddress)
		if err != nil {
			return nil, err
		}
	}

	canPayDiesel := tokenBalance.Cmp(tokenAmount) >= 0
	isAwaitingNotExpiredPrevious := false
	if raw.PendingCreatedAt != nil {
		createdAt, err := time.Parse(time.RFC3339, *raw.PendingCreatedAt)
		if err == nil && e.now().Sub(createdAt) < PendingDieselTimeout {
			isAwaitingNotExpiredPrevious = true
		}
	}

	// When both toncoin and the token are insufficient, the toncoin fee is
	// shown instead.
	shouldBeGasless := (!opts.CanTransferGasfully && canPayDiesel) || isAwaitingNotExpiredPrevious
	if !shouldBeGasless {
		return NotAvailable(), nil
	}
	return estimate, nil
}

// dieselToncoinFee guesses the total toncoin cost of a sponsored transfer.
// A non-stars sponsorship consists of two messages: the transfer itself and
// sending the diesel to the sponsor wallet.
func dieselToncoinFee(token *Token) (amount, realFee *big.Int, isStars bool) {
	isStars = !token.IsGaslessEnabled && token.IsStarsEnabled
	amount = big.NewInt(TokenTransferTonAmount)
	realFee = big.NewInt(TokenTransferRealTonAmount)

	if !isStars {
		amount.Mul(amount, big.NewInt(2))
		realFee.Mul(realFee, big.NewInt(2))
	}

	amount.Add(amount, big.NewInt(DefaultFee))
	realFee.Add(realFee, big.NewInt(DefaultFee))
	return amount, realFee, isStars
}
