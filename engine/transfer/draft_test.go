package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/xssnick/tonutils-go/address"

	"github.com/toncenter/ton-wallet-engine/engine/diesel"
	"github.com/toncenter/ton-wallet-engine/engine/emulate"
	"github.com/toncenter/ton-wallet-engine/engine/models"
	"github.com/toncenter/ton-wallet-engine/engine/toncenter"
	"github.com/toncenter/ton-wallet-engine/engine/wallet"
)

func friendlyAddr(fill byte, bounceable, testnetOnly bool) string {
	data := make([]byte, 32)
	for i := range data {
		data[i] = fill
	}
	addr := address.NewAddress(0, 0, data)
	addr.SetBounce(bounceable)
	addr.SetTestnetOnly(testnetOnly)
	return addr.String()
}

type fakeResolver map[string]string

func (r fakeResolver) Resolve(_ context.Context, domain string) (string, error) {
	resolved, ok := r[domain]
	if !ok {
		return "", errors.New("not found")
	}
	return resolved, nil
}

func TestCheckToAddress(t *testing.T) {
	s := &Service{Network: models.NetworkMainnet}

	cases := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"empty", "", ErrInvalidToAddress},
		{"garbage", "not an address", ErrInvalidToAddress},
		{"short raw", "0:abc", ErrInvalidToAddress},
		{"not url safe", strings.Repeat("A", 47) + "+", ErrInvalidAddressFormat},
		{"bad checksum", strings.Repeat("A", 48), ErrInvalidToAddress},
		{"testnet only on mainnet", friendlyAddr(0x11, true, true), ErrInvalidAddressFormat},
		{"domain without resolver", "alice.ton", ErrDomainNotResolved},
	}
	for _, tc := range cases {
		if _, err := s.CheckToAddress(context.Background(), tc.input); !errors.Is(err, tc.wantErr) {
			t.Errorf("%s: CheckToAddress(%q) = %v, want %v", tc.name, tc.input, err, tc.wantErr)
		}
	}
}

func TestCheckToAddressBounceFlags(t *testing.T) {
	s := &Service{Network: models.NetworkMainnet}

	bounceable := friendlyAddr(0x22, true, false)
	check, err := s.CheckToAddress(context.Background(), bounceable)
	if err != nil {
		t.Fatalf("CheckToAddress(%q) failed: %v", bounceable, err)
	}
	if !check.IsBounceable {
		t.Error("EQ address must be bounceable")
	}

	nonBounceable := friendlyAddr(0x22, false, false)
	check, err = s.CheckToAddress(context.Background(), nonBounceable)
	if err != nil {
		t.Fatalf("CheckToAddress(%q) failed: %v", nonBounceable, err)
	}
	if check.IsBounceable {
		t.Error("UQ address must not be bounceable")
	}

	raw := "0:" + strings.Repeat("ab", 32)
	check, err = s.CheckToAddress(context.Background(), raw)
	if err != nil {
		t.Fatalf("CheckToAddress(%q) failed: %v", raw, err)
	}
	if check.IsBounceable {
		t.Error("raw addresses carry no flags and must not bounce")
	}
	if check.ResolvedAddress != raw {
		t.Errorf("raw address must resolve to itself, got %q", check.ResolvedAddress)
	}
}

func TestCheckToAddressResolvesDomain(t *testing.T) {
	resolved := friendlyAddr(0x33, false, false)
	s := &Service{
		Network:  models.NetworkMainnet,
		Resolver: fakeResolver{"alice.ton": resolved},
	}

	check, err := s.CheckToAddress(context.Background(), "Alice.TON")
	if err != nil {
		t.Fatalf("CheckToAddress failed: %v", err)
	}
	if check.ResolvedAddress != resolved {
		t.Errorf("expected %q, got %q", resolved, check.ResolvedAddress)
	}
	if check.AddressName != "alice.ton" {
		t.Errorf("expected the lowercased domain as the name, got %q", check.AddressName)
	}

	if _, err := s.CheckToAddress(context.Background(), "bob.ton"); !errors.Is(err, ErrDomainNotResolved) {
		t.Errorf("unknown domain: got %v, want %v", err, ErrDomainNotResolved)
	}
}

// draftHarness backs a Service with a fake RPC. Emulation always falls back
// to the legacy estimator: the emulator redis address is unreachable.
type draftHarness struct {
	states       map[string]*models.WalletState
	jettonWallet *toncenter.JettonWallet
	fees         toncenter.SourceFees
	hasTx        bool
}

func (h *draftHarness) newService(t *testing.T, dieselEngine *diesel.Engine) *Service {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/walletStates", func(w http.ResponseWriter, r *http.Request) {
		state, ok := h.states[r.URL.Query().Get("address")]
		wallets := []*models.WalletState{}
		if ok {
			wallets = append(wallets, state)
		}
		json.NewEncoder(w).Encode(map[string]any{"wallets": wallets})
	})
	mux.HandleFunc("/api/v3/jetton/wallets", func(w http.ResponseWriter, r *http.Request) {
		rows := []map[string]string{}
		if h.jettonWallet != nil {
			rows = append(rows, map[string]string{
				"address": h.jettonWallet.Address,
				"balance": h.jettonWallet.Balance.String(),
				"owner":   h.jettonWallet.Owner,
				"jetton":  h.jettonWallet.Jetton,
			})
		}
		json.NewEncoder(w).Encode(map[string]any{"jetton_wallets": rows})
	})
	mux.HandleFunc("/api/v3/transactions", func(w http.ResponseWriter, r *http.Request) {
		txs := []map[string]string{}
		if h.hasTx {
			txs = append(txs, map[string]string{"hash": "tx1"})
		}
		json.NewEncoder(w).Encode(map[string]any{"transactions": txs})
	})
	mux.HandleFunc("/api/v2/estimateFee", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"source_fees": h.fees})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	rpc := toncenter.NewClient(server.URL, "", nil)
	deadRedis := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { deadRedis.Close() })

	if dieselEngine == nil {
		dieselEngine = diesel.NewEngine(models.NetworkMainnet, nil, nil, nil, nil)
	}
	return &Service{
		Network:   models.NetworkMainnet,
		RPC:       rpc,
		Wallets:   wallet.NewService(rpc, nil, nil),
		Estimator: emulate.NewEstimator(emulate.NewClient(deadRedis, "q", nil), rpc, nil),
		Diesel:    dieselEngine,
		Gate:      NewGate(nil),
		Log:       logrus.New(),
	}
}

func activeState(address, balance string, seqno uint32) *models.WalletState {
	walletType := string(WalletV4R2)
	return &models.WalletState{
		Address:    address,
		Balance:    balance,
		Status:     "active",
		IsWallet:   true,
		Seqno:      &seqno,
		WalletType: &walletType,
	}
}

func mockSigner() *KeySigner {
	return &KeySigner{Version: WalletV4R2, Mock: true}
}

func testAccount(address string) *Account {
	return &Account{
		Address:       address,
		Version:       WalletV4R2,
		IsInitialized: true,
	}
}

// The harness fees total 3001200; with the safety factor the draft network
// fee comes out as 3151260.
var harnessFees = toncenter.SourceFees{
	InFwdFee:   1_000_000,
	StorageFee: 1_000,
	GasFee:     2_000_000,
	FwdFee:     200,
}

func TestCheckTransactionDraftInvalidStateInit(t *testing.T) {
	owner := friendlyAddr(0x44, false, false)
	h := &draftHarness{
		states: map[string]*models.WalletState{owner: activeState(owner, "10000000000", 1)},
		fees:   harnessFees,
	}
	s := h.newService(t, nil)

	_, err := s.CheckTransactionDraft(context.Background(), DraftOptions{
		Account:      testAccount(owner),
		Signer:       mockSigner(),
		ToAddress:    friendlyAddr(0x55, false, false),
		Amount:       big.NewInt(1),
		StateInitB64: "not base64 at all!!",
	})
	if !errors.Is(err, ErrInvalidStateInit) {
		t.Errorf("expected %v, got %v", ErrInvalidStateInit, err)
	}
}

func TestCheckTransactionDraftInactiveContract(t *testing.T) {
	owner := friendlyAddr(0x44, false, false)
	dest := friendlyAddr(0x55, true, false)
	h := &draftHarness{
		states: map[string]*models.WalletState{owner: activeState(owner, "10000000000", 1)},
		fees:   harnessFees,
	}
	s := h.newService(t, nil)

	result, err := s.CheckTransactionDraft(context.Background(), DraftOptions{
		Account:   testAccount(owner),
		Signer:    mockSigner(),
		ToAddress: dest,
		Amount:    big.NewInt(1),
	})
	if !errors.Is(err, ErrInactiveContract) {
		t.Fatalf("expected %v, got %v", ErrInactiveContract, err)
	}
	if !result.IsToAddressNew {
		t.Error("a destination with no transactions must be flagged as new")
	}
}

func TestCheckTransactionDraftInvalidAmount(t *testing.T) {
	owner := friendlyAddr(0x44, false, false)
	h := &draftHarness{
		states: map[string]*models.WalletState{owner: activeState(owner, "10000000000", 1)},
		fees:   harnessFees,
	}
	s := h.newService(t, nil)

	_, err := s.CheckTransactionDraft(context.Background(), DraftOptions{
		Account:   testAccount(owner),
		Signer:    mockSigner(),
		ToAddress: friendlyAddr(0x55, false, false),
		Amount:    big.NewInt(-5),
	})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected %v, got %v", ErrInvalidAmount, err)
	}
}

func TestCheckTransactionDraftTonInsufficientBalance(t *testing.T) {
	owner := friendlyAddr(0x44, false, false)
	h := &draftHarness{
		states: map[string]*models.WalletState{owner: activeState(owner, "1000000000", 7)},
		fees:   harnessFees,
	}
	s := h.newService(t, nil)

	// 999999999 + fee does not fit into the 1 TON balance, and the amounts
	// differ so the transfer is not a full one.
	_, err := s.CheckTransactionDraft(context.Background(), DraftOptions{
		Account:   testAccount(owner),
		Signer:    mockSigner(),
		ToAddress: friendlyAddr(0x55, false, false),
		Amount:    big.NewInt(999_999_999),
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("expected %v, got %v", ErrInsufficientBalance, err)
	}
}

func TestCheckTransactionDraftFullTonExactFee(t *testing.T) {
	// Raw fees 400000000 become exactly 420000000 after the safety factor.
	// A full transfer of a balance that exactly equals the fee must pass:
	// the whole balance is carried and the fee is taken out of it.
	owner := friendlyAddr(0x44, false, false)
	h := &draftHarness{
		states: map[string]*models.WalletState{owner: activeState(owner, "420000000", 7)},
		fees:   toncenter.SourceFees{GasFee: 400_000_000},
	}
	s := h.newService(t, nil)

	result, err := s.CheckTransactionDraft(context.Background(), DraftOptions{
		Account:   testAccount(owner),
		Signer:    mockSigner(),
		ToAddress: friendlyAddr(0x55, false, false),
		Amount:    big.NewInt(420_000_000),
	})
	if err != nil {
		t.Fatalf("CheckTransactionDraft failed: %v", err)
	}
	if result.Fee.Cmp(big.NewInt(420_000_000)) != 0 {
		t.Errorf("expected fee 420000000, got %s", result.Fee)
	}
}

func TestCheckTransactionDraftTokenBalanceTooLow(t *testing.T) {
	owner := friendlyAddr(0x44, false, false)
	jettonMaster := friendlyAddr(0x66, true, false)
	h := &draftHarness{
		states: map[string]*models.WalletState{owner: activeState(owner, "10000000000", 7)},
		jettonWallet: &toncenter.JettonWallet{
			Address: friendlyAddr(0x77, false, false),
			Balance: big.NewInt(5),
			Owner:   owner,
			Jetton:  jettonMaster,
		},
		fees: harnessFees,
	}
	s := h.newService(t, nil)

	// The wallet holds plenty of toncoin for the gas but only 5 token units.
	_, err := s.CheckTransactionDraft(context.Background(), DraftOptions{
		Account:      testAccount(owner),
		Signer:       mockSigner(),
		ToAddress:    friendlyAddr(0x55, false, false),
		Amount:       big.NewInt(100),
		TokenAddress: jettonMaster,
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("expected %v, got %v", ErrInsufficientBalance, err)
	}

	result, err := s.CheckTransactionDraft(context.Background(), DraftOptions{
		Account:      testAccount(owner),
		Signer:       mockSigner(),
		ToAddress:    friendlyAddr(0x55, false, false),
		Amount:       big.NewInt(3),
		TokenAddress: jettonMaster,
	})
	if err != nil {
		t.Fatalf("a covered token transfer must pass, got %v", err)
	}
	// The attached toncoin counts toward the fee.
	wantFee := big.NewInt(diesel.TokenTransferTonAmount + 3_151_260)
	if result.Fee.Cmp(wantFee) != 0 {
		t.Errorf("expected fee %s, got %s", wantFee, result.Fee)
	}
	wantRealFee := big.NewInt(diesel.TokenTransferRealTonAmount + 3_151_260)
	if result.RealFee.Cmp(wantRealFee) != 0 {
		t.Errorf("expected real fee %s, got %s", wantRealFee, result.RealFee)
	}
}

type availableDieselBackend struct {
	amount string
}

func (b *availableDieselBackend) EstimateDiesel(
	_ context.Context,
	address, tokenAddress, toncoinAmount string,
	isW5, isStars bool,
) (*diesel.RawEstimate, error) {
	return &diesel.RawEstimate{Status: diesel.StatusAvailable, Amount: &b.amount}, nil
}

type singleToken diesel.Token

func (t *singleToken) TokenByAddress(address string) *diesel.Token {
	if address != t.Address {
		return nil
	}
	return (*diesel.Token)(t)
}

func TestCheckTransactionDraftDieselCoversGasNotAmount(t *testing.T) {
	owner := friendlyAddr(0x44, false, false)
	jettonMaster := friendlyAddr(0x66, true, false)
	h := &draftHarness{
		// 0.01 TON: not enough for the gas, under the diesel ceiling.
		states: map[string]*models.WalletState{owner: activeState(owner, "10000000", 7)},
		jettonWallet: &toncenter.JettonWallet{
			Address: friendlyAddr(0x77, false, false),
			Balance: big.NewInt(5_000_000),
			Owner:   owner,
			Jetton:  jettonMaster,
		},
		fees: harnessFees,
	}
	token := &singleToken{Address: jettonMaster, Slug: "usdt", Decimals: 6, IsGaslessEnabled: true}
	engine := diesel.NewEngine(
		models.NetworkMainnet,
		&availableDieselBackend{amount: "1"},
		token,
		nil,
		nil,
	)
	s := h.newService(t, engine)

	// Diesel is available, but 4.5 tokens plus the 1 token diesel exceed the
	// 5 token balance.
	_, err := s.CheckTransactionDraft(context.Background(), DraftOptions{
		Account:      testAccount(owner),
		Signer:       mockSigner(),
		ToAddress:    friendlyAddr(0x55, false, false),
		Amount:       big.NewInt(4_500_000),
		TokenAddress: jettonMaster,
		AllowGasless: true,
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("expected %v, got %v", ErrInsufficientBalance, err)
	}

	result, err := s.CheckTransactionDraft(context.Background(), DraftOptions{
		Account:      testAccount(owner),
		Signer:       mockSigner(),
		ToAddress:    friendlyAddr(0x55, false, false),
		Amount:       big.NewInt(3_000_000),
		TokenAddress: jettonMaster,
		AllowGasless: true,
	})
	if err != nil {
		t.Fatalf("a sponsored transfer within the token balance must pass, got %v", err)
	}
	if !diesel.IsAvailable(result.Diesel) {
		t.Errorf("expected an available diesel estimate, got %+v", result.Diesel)
	}
}

func TestCheckTransactionDraftWalletNotInitialized(t *testing.T) {
	owner := friendlyAddr(0x44, false, false)
	state := activeState(owner, "10000000000", 0)
	state.Status = "uninit"
	h := &draftHarness{
		states: map[string]*models.WalletState{owner: state},
		fees:   harnessFees,
	}
	s := h.newService(t, nil)

	account := testAccount(owner)
	account.IsInitialized = false
	_, err := s.CheckTransactionDraft(context.Background(), DraftOptions{
		Account:   account,
		Signer:    mockSigner(),
		ToAddress: friendlyAddr(0x55, false, false),
		Amount:    big.NewInt(1),
	})
	if !errors.Is(err, ErrWalletNotInitialized) {
		t.Errorf("expected %v, got %v", ErrWalletNotInitialized, err)
	}
}
