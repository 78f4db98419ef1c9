package diesel

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/toncenter/ton-wallet-engine/engine/models"
)

const (
	testWallet = "UQWallet000000000000000000000000000000000000000a"
	testToken  = "EQToken00000000000000000000000000000000000000010"
)

type fakeBackend struct {
	estimate *RawEstimate
	err      error

	lastToncoinAmount string
	lastIsW5          bool
	lastIsStars       bool
	called            bool
}

func (b *fakeBackend) EstimateDiesel(
	_ context.Context,
	address, tokenAddress, toncoinAmount string,
	isW5, isStars bool,
) (*RawEstimate, error) {
	b.called = true
	b.lastToncoinAmount = toncoinAmount
	b.lastIsW5 = isW5
	b.lastIsStars = isStars
	return b.estimate, b.err
}

type fakeTokens map[string]*Token

func (t fakeTokens) TokenByAddress(address string) *Token { return t[address] }

type fakeBalances struct {
	native *big.Int
	token  *big.Int
}

func (b *fakeBalances) NativeBalance(context.Context, string) (*big.Int, error) {
	return b.native, nil
}

func (b *fakeBalances) TokenBalance(context.Context, string, string) (*big.Int, error) {
	return b.token, nil
}

func newTestEngine(backend Backend, tokens TokenSource, balances BalanceSource) *Engine {
	return NewEngine(models.NetworkMainnet, backend, tokens, balances, nil)
}

func gaslessToken() fakeTokens {
	return fakeTokens{testToken: {
		Address:          testToken,
		Slug:             "usdt",
		Decimals:         6,
		IsGaslessEnabled: true,
	}}
}

func TestGetDieselTestnetNotAvailable(t *testing.T) {
	e := NewEngine(models.NetworkTestnet, &fakeBackend{}, gaslessToken(), &fakeBalances{}, nil)

	estimate, err := e.GetDiesel(context.Background(), GetDieselOptions{
		WalletAddress: testWallet,
		TokenAddress:  testToken,
	})
	if err != nil {
		t.Fatalf("GetDiesel failed: %v", err)
	}
	if estimate.Status != StatusNotAvailable {
		t.Errorf("expected not-available on testnet, got %s", estimate.Status)
	}
}

func TestGetDieselUnknownTokenNotAvailable(t *testing.T) {
	backend := &fakeBackend{}
	e := newTestEngine(backend, fakeTokens{}, &fakeBalances{})

	estimate, err := e.GetDiesel(context.Background(), GetDieselOptions{
		WalletAddress: testWallet,
		TokenAddress:  testToken,
	})
	if err != nil {
		t.Fatalf("GetDiesel failed: %v", err)
	}
	if estimate.Status != StatusNotAvailable {
		t.Errorf("expected not-available for unknown token, got %s", estimate.Status)
	}
	if backend.called {
		t.Error("backend must not be called for an unknown token")
	}
}

func TestGetDieselRichWalletNotAvailable(t *testing.T) {
	backend := &fakeBackend{}
	e := newTestEngine(backend, gaslessToken(), &fakeBalances{})

	estimate, err := e.GetDiesel(context.Background(), GetDieselOptions{
		WalletAddress:  testWallet,
		TokenAddress:   testToken,
		ToncoinBalance: big.NewInt(MaxBalanceWithCheckDiesel),
	})
	if err != nil {
		t.Fatalf("GetDiesel failed: %v", err)
	}
	if estimate.Status != StatusNotAvailable {
		t.Errorf("expected not-available for a rich wallet, got %s", estimate.Status)
	}
	if backend.called {
		t.Error("backend must not be called above the balance ceiling")
	}
}

func TestGetDieselAvailable(t *testing.T) {
	amount := "0.5"
	backend := &fakeBackend{estimate: &RawEstimate{Status: StatusAvailable, Amount: &amount}}
	e := newTestEngine(backend, gaslessToken(), &fakeBalances{token: big.NewInt(10_000_000)})

	estimate, err := e.GetDiesel(context.Background(), GetDieselOptions{
		WalletAddress:       testWallet,
		TokenAddress:        testToken,
		CanTransferGasfully: false,
		ToncoinBalance:      big.NewInt(10_000_000),
	})
	if err != nil {
		t.Fatalf("GetDiesel failed: %v", err)
	}
	if estimate.Status != StatusAvailable {
		t.Fatalf("expected available, got %s", estimate.Status)
	}
	// Token amount uses the token's own decimals.
	if estimate.Amount.Cmp(big.NewInt(500_000)) != 0 {
		t.Errorf("expected amount 500000, got %s", estimate.Amount)
	}
	// Two messages plus the default fee, minus the wallet's own toncoin.
	// 2*50000000 + 15000000 - 10000000 = 105000000.
	if backend.lastToncoinAmount != "0.105" {
		t.Errorf("expected toncoin amount 0.105, got %q", backend.lastToncoinAmount)
	}
	if estimate.NativeAmount.Cmp(big.NewInt(105_000_000)) != 0 {
		t.Errorf("expected native amount 105000000, got %s", estimate.NativeAmount)
	}
	if backend.lastIsStars {
		t.Error("gasless token must not request a stars estimate")
	}
}

func TestGetDieselGasfulWalletNotAvailable(t *testing.T) {
	amount := "0.5"
	backend := &fakeBackend{estimate: &RawEstimate{Status: StatusAvailable, Amount: &amount}}
	e := newTestEngine(backend, gaslessToken(), &fakeBalances{token: big.NewInt(10_000_000)})

	estimate, err := e.GetDiesel(context.Background(), GetDieselOptions{
		WalletAddress:       testWallet,
		TokenAddress:        testToken,
		CanTransferGasfully: true,
		ToncoinBalance:      big.NewInt(10_000_000),
	})
	if err != nil {
		t.Fatalf("GetDiesel failed: %v", err)
	}
	if estimate.Status != StatusNotAvailable {
		t.Errorf("a wallet that can pay gas must not go gasless, got %s", estimate.Status)
	}
}

func TestGetDieselPendingPreviousForcesGasless(t *testing.T) {
	amount := "0.5"
	createdAt := time.Now().Add(-5 * time.Minute).Format(time.RFC3339)
	backend := &fakeBackend{estimate: &RawEstimate{
		Status:           StatusAvailable,
		Amount:           &amount,
		PendingCreatedAt: &createdAt,
	}}
	e := newTestEngine(backend, gaslessToken(), &fakeBalances{token: big.NewInt(0)})

	// Token balance cannot even pay the diesel, but the previous unexpired
	// sponsored transfer still forces the gasless path.
	estimate, err := e.GetDiesel(context.Background(), GetDieselOptions{
		WalletAddress:       testWallet,
		TokenAddress:        testToken,
		CanTransferGasfully: true,
		ToncoinBalance:      big.NewInt(10_000_000),
	})
	if err != nil {
		t.Fatalf("GetDiesel failed: %v", err)
	}
	if estimate.Status != StatusAvailable {
		t.Errorf("expected available due to pending previous, got %s", estimate.Status)
	}
}

func TestGetDieselExpiredPendingIgnored(t *testing.T) {
	amount := "0.5"
	createdAt := time.Now().Add(-PendingDieselTimeout - time.Minute).Format(time.RFC3339)
	backend := &fakeBackend{estimate: &RawEstimate{
		Status:           StatusAvailable,
		Amount:           &amount,
		PendingCreatedAt: &createdAt,
	}}
	e := newTestEngine(backend, gaslessToken(), &fakeBalances{token: big.NewInt(10_000_000)})

	estimate, err := e.GetDiesel(context.Background(), GetDieselOptions{
		WalletAddress:       testWallet,
		TokenAddress:        testToken,
		CanTransferGasfully: true,
		ToncoinBalance:      big.NewInt(10_000_000),
	})
	if err != nil {
		t.Fatalf("GetDiesel failed: %v", err)
	}
	if estimate.Status != StatusNotAvailable {
		t.Errorf("an expired pending transfer must not force gasless, got %s", estimate.Status)
	}
}

func TestGetDieselStarsFee(t *testing.T) {
	amount := "25"
	backend := &fakeBackend{estimate: &RawEstimate{Status: StatusStarsFee, Amount: &amount}}
	tokens := fakeTokens{testToken: {
		Address:        testToken,
		Slug:           "usdt",
		Decimals:       6,
		IsStarsEnabled: true,
	}}
	e := newTestEngine(backend, tokens, &fakeBalances{token: big.NewInt(50_000_000)})

	estimate, err := e.GetDiesel(context.Background(), GetDieselOptions{
		WalletAddress:       testWallet,
		TokenAddress:        testToken,
		CanTransferGasfully: false,
		ToncoinBalance:      big.NewInt(0),
	})
	if err != nil {
		t.Fatalf("GetDiesel failed: %v", err)
	}
	if estimate.Status != StatusStarsFee {
		t.Fatalf("expected stars-fee, got %s", estimate.Status)
	}
	if !backend.lastIsStars {
		t.Error("stars-only token must request a stars estimate")
	}
	// Stars amounts are integers regardless of the token's decimals.
	if estimate.Amount.Cmp(big.NewInt(25)) != 0 {
		t.Errorf("expected amount 25, got %s", estimate.Amount)
	}
	// A single message: no doubling for stars.
	// 50000000 + 15000000 - 0 = 65000000.
	if backend.lastToncoinAmount != "0.065" {
		t.Errorf("expected toncoin amount 0.065, got %q", backend.lastToncoinAmount)
	}
}

func TestGetDieselInsufficientTokenBalance(t *testing.T) {
	amount := "0.5"
	backend := &fakeBackend{estimate: &RawEstimate{Status: StatusAvailable, Amount: &amount}}
	e := newTestEngine(backend, gaslessToken(), &fakeBalances{token: big.NewInt(100)})

	estimate, err := e.GetDiesel(context.Background(), GetDieselOptions{
		WalletAddress:       testWallet,
		TokenAddress:        testToken,
		CanTransferGasfully: false,
		ToncoinBalance:      big.NewInt(0),
	})
	if err != nil {
		t.Fatalf("GetDiesel failed: %v", err)
	}
	if estimate.Status != StatusNotAvailable {
		t.Errorf("expected not-available when the token cannot pay the diesel, got %s", estimate.Status)
	}
}
