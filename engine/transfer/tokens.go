package transfer

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/tvm/cell"

	"github.com/toncenter/ton-wallet-engine/engine/diesel"
)

const (
	jettonTransferOp = 0x0f8a7ea5

	// TokenTransferForwardAmount is the default toncoin forwarded to the
	// receiver so their wallet gets notified.
	TokenTransferForwardAmount = 1
)

// TokenTransfer is a token move lowered to a plain toncoin message to the
// sender's jetton wallet. The attached toncoin is a fee from the user's
// point of view; RealAmount is what it actually costs after excess returns.
type TokenTransfer struct {
	ToAddress  string
	Amount     *big.Int
	Payload    *cell.Cell
	StateInit  *cell.Cell
	RealAmount *big.Int

	IsTokenWalletDeployed bool
	TokenWalletBalance    *big.Int
}

type BuildTokenTransferOptions struct {
	TokenAddress  string
	FromAddress   string
	ToAddress     string
	Amount        *big.Int
	Payload       *cell.Cell
	ForwardAmount *big.Int
}

// BuildTokenTransfer resolves the sender's jetton wallet and wraps the token
// amount into a jetton transfer body.
func (s *Service) BuildTokenTransfer(ctx context.Context, opts BuildTokenTransferOptions) (*TokenTransfer, error) {
	jettonWallet, err := s.RPC.GetJettonWallet(ctx, opts.FromAddress, opts.TokenAddress)
	if err != nil {
		return nil, err
	}
	if jettonWallet == nil {
		return nil, fmt.Errorf("jetton wallet for %s is not deployed", opts.TokenAddress)
	}

	dst, err := parseFriendlyOrRaw(opts.ToAddress)
	if err != nil {
		return nil, fmt.Errorf("token transfer destination %q: %w", opts.ToAddress, err)
	}
	response, err := parseFriendlyOrRaw(opts.FromAddress)
	if err != nil {
		return nil, fmt.Errorf("token transfer sender %q: %w", opts.FromAddress, err)
	}

	forwardAmount := opts.ForwardAmount
	if forwardAmount == nil {
		forwardAmount = big.NewInt(TokenTransferForwardAmount)
	}

	body := buildJettonTransferBody(opts.Amount, dst, response, forwardAmount, opts.Payload)

	return &TokenTransfer{
		ToAddress:             jettonWallet.Address,
		Amount:                big.NewInt(diesel.TokenTransferTonAmount),
		Payload:               body,
		RealAmount:            big.NewInt(diesel.TokenTransferRealTonAmount),
		IsTokenWalletDeployed: true,
		TokenWalletBalance:    jettonWallet.Balance,
	}, nil
}

// GetTokenBalance reads the wallet's balance of a token, zero when the
// jetton wallet is not deployed.
func (s *Service) GetTokenBalance(ctx context.Context, ownerAddress, tokenAddress string) (*big.Int, error) {
	jettonWallet, err := s.RPC.GetJettonWallet(ctx, ownerAddress, tokenAddress)
	if err != nil {
		return nil, err
	}
	if jettonWallet == nil {
		return big.NewInt(0), nil
	}
	return jettonWallet.Balance, nil
}

func buildJettonTransferBody(
	amount *big.Int,
	dst, responseTo *address.Address,
	forwardAmount *big.Int,
	forwardPayload *cell.Cell,
) *cell.Cell {
	b := cell.BeginCell().
		MustStoreUInt(jettonTransferOp, 32).
		MustStoreUInt(uint64(time.Now().UnixNano()), 64).
		MustStoreBigCoins(amount).
		MustStoreAddr(dst).
		MustStoreAddr(responseTo).
		MustStoreBoolBit(false). // no custom payload
		MustStoreBigCoins(forwardAmount)
	if forwardPayload != nil {
		b.MustStoreBoolBit(true).MustStoreRef(forwardPayload)
	} else {
		b.MustStoreBoolBit(false)
	}
	return b.EndCell()
}

// CommentPayload packs a text comment into the standard snake format.
func CommentPayload(text string) *cell.Cell {
	root := cell.BeginCell().MustStoreUInt(0, 32)
	return storeSnakeBytes(root, []byte(text))
}

func storeSnakeBytes(b *cell.Builder, data []byte) *cell.Cell {
	chunk := int(b.BitsLeft() / 8)
	if chunk > len(data) {
		chunk = len(data)
	}
	b.MustStoreSlice(data[:chunk], uint(chunk)*8)
	if rest := data[chunk:]; len(rest) > 0 {
		b.MustStoreRef(storeSnakeBytes(cell.BeginCell(), rest))
	}
	return b.EndCell()
}
