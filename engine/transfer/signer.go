package transfer

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"math/big"
	"time"

	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/tvm/cell"
)

// Send mode flags of the wallet contracts.
const (
	SendModePayGasSeparately         = 1
	SendModeIgnoreErrors             = 2
	SendModeCarryAllRemainingBalance = 128
)

const (
	// TransferTimeout bounds how long a signed external stays valid.
	TransferTimeout = 60 * time.Second

	defaultWalletID = 698983191
)

// WalletVersion as reported by the RPC wallet states.
type WalletVersion string

const (
	WalletV3R2 WalletVersion = "wallet v3 r2"
	WalletV4R2 WalletVersion = "wallet v4 r2"
	WalletW5   WalletVersion = "wallet v5 r1"
)

// MaxMessagesInTransaction is how many messages one signed transaction can
// carry for the given wallet version.
func MaxMessagesInTransaction(version WalletVersion) int {
	if version == WalletW5 {
		return 255
	}
	return 4
}

// Message is one internal message of a transfer.
type Message struct {
	ToAddress string
	Amount    *big.Int
	Payload   *cell.Cell
	StateInit *cell.Cell
	// TokenAddress hints which token the message moves, when known.
	TokenAddress string
}

// PreparedTransaction is everything a signer needs to produce one signed
// external message body.
type PreparedTransaction struct {
	Seqno    uint32
	Messages []Message
	// ExpireAt is unix seconds.
	ExpireAt int64
	SendMode uint8
	// Internal marks W5 gasless transactions signed as internal messages.
	Internal bool
}

// Signer turns prepared transactions into signed wallet bodies. All the
// transactions are passed in one call so they can be checked and confirmed
// together before any of them is signed.
type Signer interface {
	SignTransactions(ctx context.Context, txs []*PreparedTransaction) ([]*cell.Cell, error)
	// IsMock reports whether signatures are placeholders, as used for fee
	// estimation without the wallet key.
	IsMock() bool
}

// KeySigner signs with an in-memory ed25519 key for v3r2 and v4r2 wallets.
type KeySigner struct {
	PrivateKey ed25519.PrivateKey
	Version    WalletVersion
	WalletID   int64
	// Mock makes the signature all zeros; emulation ignores it.
	Mock bool
}

func NewKeySigner(key ed25519.PrivateKey, version WalletVersion, walletID int64) *KeySigner {
	if walletID == 0 {
		walletID = defaultWalletID
	}
	return &KeySigner{PrivateKey: key, Version: version, WalletID: walletID}
}

func (s *KeySigner) IsMock() bool {
	return s.Mock
}

func (s *KeySigner) SignTransactions(_ context.Context, txs []*PreparedTransaction) ([]*cell.Cell, error) {
	signed := make([]*cell.Cell, len(txs))
	for i, tx := range txs {
		body, err := s.signTransaction(tx)
		if err != nil {
			return nil, fmt.Errorf("sign transaction %d: %w", i, err)
		}
		signed[i] = body
	}
	return signed, nil
}

func (s *KeySigner) signTransaction(tx *PreparedTransaction) (*cell.Cell, error) {
	if tx.Internal {
		return nil, fmt.Errorf("internal signing is supported only for W5 wallets")
	}

	payload := cell.BeginCell().
		MustStoreUInt(uint64(s.WalletID), 32).
		MustStoreUInt(uint64(tx.ExpireAt), 32).
		MustStoreUInt(uint64(tx.Seqno), 32)

	switch s.Version {
	case WalletV3R2:
	case WalletV4R2:
		payload.MustStoreUInt(0, 8) // op: plain transfer
	default:
		return nil, fmt.Errorf("unsupported wallet version for local signing: %s", s.Version)
	}

	for _, msg := range tx.Messages {
		msgCell, err := buildInternalMessage(&msg)
		if err != nil {
			return nil, err
		}
		payload.MustStoreUInt(uint64(tx.SendMode), 8).MustStoreRef(msgCell)
	}

	payloadCell := payload.EndCell()

	var sig []byte
	if s.Mock {
		sig = make([]byte, 64)
	} else {
		sig = ed25519.Sign(s.PrivateKey, payloadCell.Hash())
	}

	return cell.BeginCell().
		MustStoreSlice(sig, 512).
		MustStoreBuilder(payloadCell.ToBuilder()).
		EndCell(), nil
}

func buildInternalMessage(msg *Message) (*cell.Cell, error) {
	dst, err := parseFriendlyOrRaw(msg.ToAddress)
	if err != nil {
		return nil, fmt.Errorf("destination %q: %w", msg.ToAddress, err)
	}

	internal := &tlb.InternalMessage{
		IHRDisabled: true,
		Bounce:      dst.IsBounceable(),
		DstAddr:     dst,
		Amount:      tlb.FromNanoTON(msg.Amount),
		Body:        msg.Payload,
	}
	if internal.Body == nil {
		internal.Body = cell.BeginCell().EndCell()
	}
	if msg.StateInit != nil {
		var state tlb.StateInit
		if err := tlb.LoadFromCell(&state, msg.StateInit.BeginParse()); err != nil {
			return nil, fmt.Errorf("state init: %w", err)
		}
		internal.StateInit = &state
	}

	return tlb.ToCell(internal)
}

func parseFriendlyOrRaw(s string) (*address.Address, error) {
	if addr, err := address.ParseAddr(s); err == nil {
		return addr, nil
	}
	return address.ParseRawAddr(s)
}
