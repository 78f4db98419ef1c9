package transfer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xssnick/tonutils-go/tvm/cell"

	"github.com/toncenter/ton-wallet-engine/engine/models"
	"github.com/toncenter/ton-wallet-engine/engine/toncenter"
	"github.com/toncenter/ton-wallet-engine/engine/wallet"
)

// sendHarness fakes the broadcast side of the RPC: message submission plus
// the wallet state used to detect seqno movement.
type sendHarness struct {
	sendStatus int
	sendError  string
	seqno      uint32
	sends      atomic.Int64
}

func (h *sendHarness) newService(t *testing.T, account string) *Service {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/message", func(w http.ResponseWriter, r *http.Request) {
		h.sends.Add(1)
		if h.sendStatus >= 400 {
			w.WriteHeader(h.sendStatus)
			json.NewEncoder(w).Encode(map[string]string{"error": h.sendError})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{})
	})
	mux.HandleFunc("/api/v3/walletStates", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"wallets": []*models.WalletState{activeState(account, "1000000000", h.seqno)},
		})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	rpc := toncenter.NewClient(server.URL, "", nil)
	return &Service{
		Network: models.NetworkMainnet,
		RPC:     rpc,
		Wallets: wallet.NewService(rpc, nil, nil),
		Gate:    NewGate(nil),
		Log:     logrus.New(),
	}
}

func waitDone(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("did not finish in time")
	}
}

func TestRetrySendBocStopsOnSeqnoMismatch(t *testing.T) {
	account := friendlyAddr(0x44, false, false)
	h := &sendHarness{
		sendStatus: 500,
		sendError:  "terminating vm with exit code: exitcode=33",
		seqno:      7,
	}
	s := h.newService(t, account)

	waitDone(t, func() { s.retrySendBoc(account, "dGVzdA==", 7) })
	if got := h.sends.Load(); got != 1 {
		t.Errorf("expected 1 send attempt, got %d", got)
	}
}

func TestRetrySendBocStopsOnExpiry(t *testing.T) {
	account := friendlyAddr(0x44, false, false)
	h := &sendHarness{
		sendStatus: 500,
		sendError:  "terminating vm with exit code: exitcode=133",
		seqno:      7,
	}
	s := h.newService(t, account)

	waitDone(t, func() { s.retrySendBoc(account, "dGVzdA==", 7) })
	if got := h.sends.Load(); got != 1 {
		t.Errorf("expected 1 send attempt, got %d", got)
	}
}

func TestRetrySendBocStopsWhenSeqnoMoves(t *testing.T) {
	account := friendlyAddr(0x44, false, false)
	// The broadcast is accepted and the wallet's seqno has already moved
	// past the transaction, so one attempt settles it.
	h := &sendHarness{seqno: 8}
	s := h.newService(t, account)

	waitDone(t, func() { s.retrySendBoc(account, "dGVzdA==", 7) })
	if got := h.sends.Load(); got != 1 {
		t.Errorf("expected 1 send attempt, got %d", got)
	}
}

func TestSendSignedTransactionsConcurrentSeqno(t *testing.T) {
	account := friendlyAddr(0x44, false, false)
	h := &sendHarness{
		sendStatus: 500,
		sendError: "cannot apply external message to current state: " +
			"External message was not accepted\n" +
			"Cannot run message on account: inbound external message rejected by account",
		seqno: 7,
	}
	s := h.newService(t, account)

	body := cell.BeginCell().MustStoreUInt(0, 32).EndCell()
	boc := base64.StdEncoding.EncodeToString(body.ToBOC())

	sent, err := s.SendSignedTransactions(context.Background(), testAccount(account),
		[]SignedTransfer{{BocB64: boc, Seqno: 7}})
	if !errors.Is(err, ErrConcurrentTransaction) {
		t.Fatalf("expected %v, got %v", ErrConcurrentTransaction, err)
	}
	if len(sent) != 0 {
		t.Errorf("nothing must be reported as sent, got %d", len(sent))
	}
}
