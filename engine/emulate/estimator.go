package emulate

import (
	"context"
	"math/big"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"

	"github.com/toncenter/ton-wallet-engine/engine/toncenter"
	"github.com/toncenter/ton-wallet-engine/engine/tracedata"
	"github.com/toncenter/ton-wallet-engine/engine/units"
)

// FeeFactor inflates estimated fees so that short estimates do not block
// transfers the chain would accept.
const FeeFactor = 1.05

// WalletSpec identifies the sending wallet for estimation purposes.
type WalletSpec struct {
	Address string
	// Init code and data, base64 BOCs. Needed only for uninitialized
	// wallets going through the fallback estimator.
	InitCodeB64 string
	InitDataB64 string
}

// Result is the outcome of a fee estimate. Parsed is nil when the legacy
// fallback was used: it knows only the total.
type Result struct {
	IsFallback bool
	NetworkFee *big.Int
	Parsed     *tracedata.ParsedTrace
}

type Estimator struct {
	Emulator *Client
	RPC      *toncenter.Client
	Log      *logrus.Logger
}

func NewEstimator(emulator *Client, rpc *toncenter.Client, log *logrus.Logger) *Estimator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Estimator{Emulator: emulator, RPC: rpc, Log: log}
}

// EmulateWithFallback estimates the network fee of a signed external
// message. Emulation is tried first; the legacy estimator covers emulator
// outages at the cost of a cruder estimate.
func (e *Estimator) EmulateWithFallback(
	ctx context.Context,
	wallet *WalletSpec,
	signedBocB64 string,
	isInitialized bool,
) (*Result, error) {
	result, err := e.emulate(ctx, wallet, signedBocB64)
	if err == nil {
		return result, nil
	}
	e.Log.WithError(err).Warn("failed to emulate a transaction, falling back")

	initCode, initData := "", ""
	if !isInitialized {
		initCode, initData = wallet.InitCodeB64, wallet.InitDataB64
	}
	fees, err := e.RPC.EstimateExternalMessageFee(ctx, wallet.Address, signedBocB64, initCode, initData, true)
	if err != nil {
		return nil, err
	}
	return &Result{
		IsFallback: true,
		NetworkFee: big.NewInt(fees.Total()),
	}, nil
}

func (e *Estimator) emulate(ctx context.Context, wallet *WalletSpec, signedBocB64 string) (*Result, error) {
	trace, book, err := e.Emulator.EmulateTrace(ctx, signedBocB64)
	if err != nil {
		return nil, err
	}
	parsed, err := tracedata.Parse(wallet.Address, trace, book)
	if err != nil {
		return nil, err
	}
	return &Result{
		NetworkFee: new(big.Int).Set(parsed.TotalNetworkFee),
		Parsed:     parsed,
	}, nil
}

// ApplyFeeFactor returns a copy of the result with the safety factor applied
// to the total and to every per-message fee.
func ApplyFeeFactor(r *Result) *Result {
	out := &Result{
		IsFallback: r.IsFallback,
		NetworkFee: units.MulFloat(r.NetworkFee, FeeFactor),
	}
	if r.Parsed == nil {
		return out
	}

	parsed := *r.Parsed
	parsed.ByTransactionIndex = make([]*tracedata.Part, len(r.Parsed.ByTransactionIndex))
	for i, part := range r.Parsed.ByTransactionIndex {
		parsed.ByTransactionIndex[i] = &tracedata.Part{
			Hashes:     mapset.NewSet(part.Hashes.ToSlice()...),
			Sent:       new(big.Int).Set(part.Sent),
			Received:   new(big.Int).Set(part.Received),
			NetworkFee: units.MulFloat(part.NetworkFee, FeeFactor),
			IsSuccess:  part.IsSuccess,
		}
	}
	parsed.TotalNetworkFee = units.MulFloat(r.Parsed.TotalNetworkFee, FeeFactor)
	out.Parsed = &parsed
	return out
}
