package transfer

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"math/big"
	"testing"
)

func TestKeySignerBodyLayoutV4(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	s := NewKeySigner(priv, WalletV4R2, 0)

	tx := &PreparedTransaction{
		Seqno: 7,
		Messages: []Message{{
			ToAddress: friendlyAddr(0x55, false, false),
			Amount:    big.NewInt(1_000_000),
		}},
		ExpireAt: 1_700_000_000,
		SendMode: uint8(SendModePayGasSeparately | SendModeIgnoreErrors),
	}
	bodies, err := s.SignTransactions(context.Background(), []*PreparedTransaction{tx})
	if err != nil {
		t.Fatalf("SignTransactions failed: %v", err)
	}

	sl := bodies[0].BeginParse()
	sig := sl.MustLoadSlice(512)
	payload, err := sl.ToCell()
	if err != nil {
		t.Fatalf("rebuild payload: %v", err)
	}
	if !ed25519.Verify(pub, payload.Hash(), sig) {
		t.Fatal("signature does not cover the payload hash")
	}

	ps := payload.BeginParse()
	if got := ps.MustLoadUInt(32); got != defaultWalletID {
		t.Errorf("wallet id = %d, want %d", got, defaultWalletID)
	}
	if got := ps.MustLoadUInt(32); got != 1_700_000_000 {
		t.Errorf("expire at = %d, want 1700000000", got)
	}
	if got := ps.MustLoadUInt(32); got != 7 {
		t.Errorf("seqno = %d, want 7", got)
	}
	if got := ps.MustLoadUInt(8); got != 0 {
		t.Errorf("v4 op byte = %d, want 0", got)
	}
	if got := ps.MustLoadUInt(8); got != 3 {
		t.Errorf("send mode = %d, want 3", got)
	}
	if refs := ps.RefsNum(); refs != 1 {
		t.Errorf("expected 1 message ref, got %d", refs)
	}
}

func TestKeySignerBodyLayoutV3HasNoOpByte(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	s := NewKeySigner(priv, WalletV3R2, 42)

	tx := &PreparedTransaction{
		Seqno: 1,
		Messages: []Message{{
			ToAddress: friendlyAddr(0x55, false, false),
			Amount:    big.NewInt(1),
		}},
		ExpireAt: 1_700_000_000,
		SendMode: uint8(SendModePayGasSeparately | SendModeIgnoreErrors),
	}
	bodies, err := s.SignTransactions(context.Background(), []*PreparedTransaction{tx})
	if err != nil {
		t.Fatalf("SignTransactions failed: %v", err)
	}

	sl := bodies[0].BeginParse()
	sl.MustLoadSlice(512)
	if got := sl.MustLoadUInt(32); got != 42 {
		t.Errorf("wallet id = %d, want 42", got)
	}
	sl.MustLoadUInt(32)
	if got := sl.MustLoadUInt(32); got != 1 {
		t.Errorf("seqno = %d, want 1", got)
	}
	// v3 goes straight to the per-message send mode.
	if got := sl.MustLoadUInt(8); got != 3 {
		t.Errorf("send mode = %d, want 3", got)
	}
}

func TestKeySignerMockSignature(t *testing.T) {
	s := &KeySigner{Version: WalletV4R2, WalletID: defaultWalletID, Mock: true}

	tx := &PreparedTransaction{
		Seqno: 3,
		Messages: []Message{{
			ToAddress: friendlyAddr(0x55, false, false),
			Amount:    big.NewInt(1),
		}},
		ExpireAt: 1_700_000_000,
		SendMode: uint8(SendModePayGasSeparately | SendModeIgnoreErrors),
	}
	bodies, err := s.SignTransactions(context.Background(), []*PreparedTransaction{tx})
	if err != nil {
		t.Fatalf("SignTransactions failed: %v", err)
	}
	sig := bodies[0].BeginParse().MustLoadSlice(512)
	if !bytes.Equal(sig, make([]byte, 64)) {
		t.Error("mock signature must be all zeros")
	}
}

func TestKeySignerRejectsInternal(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	s := NewKeySigner(priv, WalletV4R2, 0)

	_, err = s.SignTransactions(context.Background(), []*PreparedTransaction{{
		Seqno:    1,
		Internal: true,
	}})
	if err == nil {
		t.Fatal("internal signing must fail for non-W5 wallets")
	}
}

func TestMaxMessagesInTransaction(t *testing.T) {
	if got := MaxMessagesInTransaction(WalletW5); got != 255 {
		t.Errorf("W5 limit = %d, want 255", got)
	}
	if got := MaxMessagesInTransaction(WalletV4R2); got != 4 {
		t.Errorf("v4 limit = %d, want 4", got)
	}
}
