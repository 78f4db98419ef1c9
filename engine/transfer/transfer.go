// Package transfer is the submission pipeline: draft validation, fee
// estimation, signing, broadcast and confirmation, serialized per wallet.
package transfer

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/big"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/tvm/cell"

	"github.com/toncenter/ton-wallet-engine/engine/diesel"
	"github.com/toncenter/ton-wallet-engine/engine/emulate"
	"github.com/toncenter/ton-wallet-engine/engine/models"
	"github.com/toncenter/ton-wallet-engine/engine/toncenter"
	"github.com/toncenter/ton-wallet-engine/engine/wallet"
)

const (
	waitTransferTimeout = time.Minute
	waitPause           = time.Second

	// sendAttempts is the base retry budget for sequential signed sends.
	sendAttempts = 3
)

// Account is the sending wallet.
type Account struct {
	Address       string
	Version       WalletVersion
	WalletID      int64
	IsInitialized bool
	// Init code and data, needed to deploy the wallet with the first
	// transfer and for fallback fee estimation.
	InitCode *cell.Cell
	InitData *cell.Cell
}

func (a *Account) walletSpec() *emulate.WalletSpec {
	spec := &emulate.WalletSpec{Address: a.Address}
	if a.InitCode != nil {
		spec.InitCodeB64 = base64.StdEncoding.EncodeToString(a.InitCode.ToBOC())
	}
	if a.InitData != nil {
		spec.InitDataB64 = base64.StdEncoding.EncodeToString(a.InitData.ToBOC())
	}
	return spec
}

type Service struct {
	Network   models.Network
	RPC       *toncenter.Client
	Wallets   *wallet.Service
	Estimator *emulate.Estimator
	Diesel    *diesel.Engine
	Gate      *Gate
	Log       *logrus.Logger

	// Resolver handles DNS domains in destination addresses, optional.
	Resolver AddressResolver
	// DieselAddress receives the sponsorship payment of gasless transfers.
	DieselAddress string
	// OurFeePayload marks the sponsorship jetton transfer.
	OurFeePayload *cell.Cell
}

type SubmitTransferOptions struct {
	Account *Account
	Signer  Signer

	ToAddress    string
	Amount       *big.Int
	TokenAddress string
	Comment      string
	Payload      *cell.Cell
	StateInit    *cell.Cell
	// NoFeeCheck skips the pre-broadcast balance check.
	NoFeeCheck bool
}

type SubmitResult struct {
	Amount        *big.Int
	ToncoinAmount *big.Int
	Seqno         uint32
	ToAddress     string
	Boc           string
	MsgHash       string
	MsgHashNorm   string
}

// SubmitTransfer signs and broadcasts a single transfer under the address
// lock. Broadcast confirmation continues in the background while the caller
// gets the message hashes immediately.
func (s *Service) SubmitTransfer(ctx context.Context, opts SubmitTransferOptions) (*SubmitResult, error) {
	account := opts.Account
	toAddress := opts.ToAddress
	payload := opts.Payload
	stateInit := opts.StateInit

	if opts.Comment != "" && payload == nil {
		payload = CommentPayload(opts.Comment)
	}

	toncoinAmount := opts.Amount
	if opts.TokenAddress != "" {
		tokenTransfer, err := s.BuildTokenTransfer(ctx, BuildTokenTransferOptions{
			TokenAddress: opts.TokenAddress,
			FromAddress:  account.Address,
			ToAddress:    toAddress,
			Amount:       opts.Amount,
			Payload:      payload,
		})
		if err != nil {
			return nil, err
		}
		toncoinAmount = tokenTransfer.Amount
		toAddress = tokenTransfer.ToAddress
		payload = tokenTransfer.Payload
		if tokenTransfer.StateInit != nil {
			stateInit = tokenTransfer.StateInit
		}
	}

	return RunWithResult(s.Gate, ctx, s.Network, account.Address,
		func(finalize FinalizeFunc) (*SubmitResult, error) {
			info, err := s.Wallets.GetWalletInfo(ctx, account.Address)
			if err != nil {
				return nil, err
			}
			isFullTonTransfer := opts.TokenAddress == "" && info.Balance.Cmp(opts.Amount) == 0

			signed, err := s.signTransactions(ctx, account, opts.Signer,
				[]Message{{
					ToAddress:    toAddress,
					Amount:       toncoinAmount,
					Payload:      payload,
					StateInit:    stateInit,
					TokenAddress: opts.TokenAddress,
				}},
				info.Seqno,
				signOptions{doPayFeeFromAmount: isFullTonTransfer, onlyOne: true},
			)
			if err != nil {
				return nil, err
			}
			tx := signed[0]

			if !opts.NoFeeCheck {
				estimate, err := s.estimate(ctx, account, tx.body)
				if err != nil {
					return nil, err
				}
				enough := false
				if isFullTonTransfer {
					enough = info.Balance.Cmp(estimate.NetworkFee) > 0
				} else {
					need := new(big.Int).Add(toncoinAmount, estimate.NetworkFee)
					enough = info.Balance.Cmp(need) >= 0
				}
				if !enough {
					return nil, ErrInsufficientBalanceForTransfer
				}
			}

			boc, msgHash, msgHashNorm, err := s.sendExternal(ctx, account, tx.body)
			if err != nil {
				return nil, ResolveTransactionError(err)
			}

			finalize(func() { s.retrySendBoc(account.Address, boc, tx.seqno) })

			return &SubmitResult{
				Amount:        opts.Amount,
				ToncoinAmount: toncoinAmount,
				Seqno:         tx.seqno,
				ToAddress:     toAddress,
				Boc:           boc,
				MsgHash:       msgHash,
				MsgHashNorm:   msgHashNorm,
			}, nil
		})
}

type SubmitMultiTransferOptions struct {
	Account  *Account
	Signer   Signer
	Messages []Message
	// ExpireAt is unix seconds, optional.
	ExpireAt  int64
	IsGasless bool
}

type MultiSubmitResult struct {
	Seqno         uint32
	TotalAmount   *big.Int
	Boc           string
	MsgHash       string
	MsgHashNorm   string
	WithW5Gasless bool
}

// SubmitMultiTransfer signs all messages into one transaction and
// broadcasts it. Gasless transfers skip the balance check: the sponsor
// covers the gas.
func (s *Service) SubmitMultiTransfer(ctx context.Context, opts SubmitMultiTransferOptions) (*MultiSubmitResult, error) {
	account := opts.Account

	totalAmount := big.NewInt(0)
	for _, msg := range opts.Messages {
		totalAmount.Add(totalAmount, msg.Amount)
	}

	return RunWithResult(s.Gate, ctx, s.Network, account.Address,
		func(finalize FinalizeFunc) (*MultiSubmitResult, error) {
			info, err := s.Wallets.GetWalletInfo(ctx, account.Address)
			if err != nil {
				return nil, err
			}

			withW5Gasless := opts.IsGasless && account.Version == WalletW5
			expireAt := opts.ExpireAt
			if withW5Gasless {
				expireAt = time.Now().Unix() + int64(diesel.PendingDieselTimeout/time.Second)
			}

			signed, err := s.signTransactions(ctx, account, opts.Signer, opts.Messages, info.Seqno,
				signOptions{expireAt: expireAt, internal: withW5Gasless, onlyOne: true})
			if err != nil {
				return nil, err
			}
			tx := signed[0]

			if !opts.IsGasless {
				estimate, err := s.estimateWithoutFactor(ctx, account, tx.body)
				if err != nil {
					return nil, err
				}
				need := new(big.Int).Add(totalAmount, estimate.NetworkFee)
				if info.Balance.Cmp(need) < 0 {
					return nil, ErrInsufficientBalanceForTransfer
				}
			}

			boc, msgHash, msgHashNorm, err := s.sendExternal(ctx, account, tx.body)
			if err != nil {
				return nil, ResolveTransactionError(err)
			}

			if !opts.IsGasless {
				finalize(func() { s.retrySendBoc(account.Address, boc, tx.seqno) })
			}

			return &MultiSubmitResult{
				Seqno:         tx.seqno,
				TotalAmount:   totalAmount,
				Boc:           boc,
				MsgHash:       msgHash,
				MsgHashNorm:   msgHashNorm,
				WithW5Gasless: withW5Gasless,
			}, nil
		})
}

type SubmitWithDieselOptions struct {
	Account *Account
	Signer  Signer

	ToAddress    string
	Amount       *big.Int
	TokenAddress string
	Payload      *cell.Cell
	DieselAmount *big.Int
	// IsGaslessWithStars means the sponsorship is paid in stars and no
	// token payment message is attached.
	IsGaslessWithStars bool
}

// SubmitTransferWithDiesel submits a sponsored token transfer: the main
// token move plus, unless paid in stars, a token payment to the sponsor.
func (s *Service) SubmitTransferWithDiesel(ctx context.Context, opts SubmitWithDieselOptions) (*MultiSubmitResult, error) {
	main, err := s.BuildTokenTransfer(ctx, BuildTokenTransferOptions{
		TokenAddress: opts.TokenAddress,
		FromAddress:  opts.Account.Address,
		ToAddress:    opts.ToAddress,
		Amount:       opts.Amount,
		Payload:      opts.Payload,
	})
	if err != nil {
		return nil, err
	}

	messages := []Message{{
		ToAddress:    main.ToAddress,
		Amount:       main.Amount,
		Payload:      main.Payload,
		StateInit:    main.StateInit,
		TokenAddress: opts.TokenAddress,
	}}

	if !opts.IsGaslessWithStars {
		payment, err := s.BuildTokenTransfer(ctx, BuildTokenTransferOptions{
			TokenAddress: opts.TokenAddress,
			FromAddress:  opts.Account.Address,
			ToAddress:    s.DieselAddress,
			Amount:       opts.DieselAmount,
			Payload:      s.OurFeePayload,
		})
		if err != nil {
			return nil, err
		}
		messages = append(messages, Message{
			ToAddress:    payment.ToAddress,
			Amount:       payment.Amount,
			Payload:      payment.Payload,
			TokenAddress: opts.TokenAddress,
		})
	}

	return s.SubmitMultiTransfer(ctx, SubmitMultiTransferOptions{
		Account:   opts.Account,
		Signer:    opts.Signer,
		Messages:  messages,
		IsGasless: true,
	})
}

// SignedTransfer is a pre-signed wallet body ready for broadcast.
type SignedTransfer struct {
	BocB64 string
	Seqno  uint32
}

type SentTransaction struct {
	Boc         string
	MsgHashNorm string
}

// SendSignedTransactions broadcasts pre-signed transactions sequentially.
// Each one must reach the chain before the next, since they consume
// consecutive seqnos. Only the last confirmation runs in the background.
func (s *Service) SendSignedTransactions(
	ctx context.Context,
	account *Account,
	transfers []SignedTransfer,
) ([]SentTransaction, error) {
	attempts := sendAttempts + len(transfers)

	return RunWithResult(s.Gate, ctx, s.Network, account.Address,
		func(finalize FinalizeFunc) ([]SentTransaction, error) {
			var sent []SentTransaction
			index, attempt := 0, 0

			for index < len(transfers) && attempt < attempts {
				transfer := transfers[index]
				body, err := parseSignedBody(transfer.BocB64)
				if err != nil {
					return sent, err
				}

				boc, _, msgHashNorm, err := s.sendExternal(ctx, account, body)
				if err != nil {
					if serverErr, ok := toncenter.AsServerError(err); ok &&
						toncenter.IsSeqnoMismatchError(serverErr.Message) {
						return sent, ErrConcurrentTransaction
					}
					s.Log.WithError(err).Warn("failed to send a signed transaction")
					attempt++
					continue
				}
				sent = append(sent, SentTransaction{Boc: boc, MsgHashNorm: msgHashNorm})

				if index == len(transfers)-1 {
					boc, seqno := boc, transfer.Seqno
					finalize(func() { s.retrySendBoc(account.Address, boc, seqno) })
				} else {
					s.retrySendBoc(account.Address, boc, transfer.Seqno)
				}

				index++
				attempt++
			}

			return sent, nil
		})
}

type signOptions struct {
	doPayFeeFromAmount bool
	expireAt           int64
	internal           bool
	onlyOne            bool
}

type signedTx struct {
	seqno uint32
	body  *cell.Cell
}

// signTransactions splits messages into as many transactions as the wallet
// version requires and signs them all in one signer call, with consecutive
// seqnos.
func (s *Service) signTransactions(
	ctx context.Context,
	account *Account,
	signer Signer,
	messages []Message,
	seqno uint32,
	opts signOptions,
) ([]signedTx, error) {
	perTransaction := MaxMessagesInTransaction(account.Version)
	var batches [][]Message
	for start := 0; start < len(messages); start += perTransaction {
		end := start + perTransaction
		if end > len(messages) {
			end = len(messages)
		}
		batches = append(batches, messages[start:end])
	}

	if opts.onlyOne && len(batches) != 1 {
		if len(batches) == 0 {
			return nil, fmt.Errorf("no messages to sign")
		}
		return nil, fmt.Errorf("too many messages for 1 transaction (%d messages given)", len(messages))
	}

	expireAt := opts.expireAt
	if expireAt == 0 {
		expireAt = time.Now().Add(TransferTimeout).Unix()
	}

	// IGNORE_ERRORS is mandatory: without it a failed transaction repeats
	// and drains the balance.
	sendMode := uint8(SendModePayGasSeparately | SendModeIgnoreErrors)
	if opts.doPayFeeFromAmount {
		sendMode = uint8(SendModeCarryAllRemainingBalance | SendModeIgnoreErrors)
	}

	toSign := make([]*PreparedTransaction, len(batches))
	for i, batch := range batches {
		if !signer.IsMock() {
			s.Log.WithFields(logrus.Fields{
				"seqno":    seqno + uint32(i),
				"messages": len(batch),
			}).Debug("signing transaction")
		}
		toSign[i] = &PreparedTransaction{
			Seqno:    seqno + uint32(i),
			Messages: batch,
			ExpireAt: expireAt,
			SendMode: sendMode,
			Internal: opts.internal,
		}
	}

	bodies, err := signer.SignTransactions(ctx, toSign)
	if err != nil {
		return nil, err
	}

	signed := make([]signedTx, len(bodies))
	for i, body := range bodies {
		signed[i] = signedTx{seqno: toSign[i].Seqno, body: body}
	}
	return signed, nil
}

// sendExternal wraps a signed wallet body into an external message, attaches
// the state init for undeployed wallets and broadcasts it.
func (s *Service) sendExternal(ctx context.Context, account *Account, body *cell.Cell) (boc, msgHash, msgHashNorm string, err error) {
	dst, err := parseFriendlyOrRaw(account.Address)
	if err != nil {
		return "", "", "", err
	}

	ext := &tlb.ExternalMessage{
		DstAddr: dst,
		Body:    body,
	}
	if !account.IsInitialized && account.InitCode != nil && account.InitData != nil {
		ext.StateInit = &tlb.StateInit{Code: account.InitCode, Data: account.InitData}
	}

	extCell, err := tlb.ToCell(ext)
	if err != nil {
		return "", "", "", fmt.Errorf("serialize external message: %w", err)
	}

	boc = base64.StdEncoding.EncodeToString(extCell.ToBOC())
	msgHash = base64.StdEncoding.EncodeToString(extCell.Hash())
	msgHashNorm = base64.StdEncoding.EncodeToString(ext.NormalizedHash())

	if err := s.RPC.SendBoc(ctx, boc); err != nil {
		return "", "", "", err
	}
	return boc, msgHash, msgHashNorm, nil
}

// retrySendBoc keeps rebroadcasting until the wallet's seqno moves past the
// transaction or the node rejects it outright. Runs detached from the
// request context.
func (s *Service) retrySendBoc(address, boc string, seqno uint32) {
	ctx, cancel := context.WithTimeout(context.Background(), waitTransferTimeout)
	defer cancel()

	for ctx.Err() == nil {
		err := s.RPC.SendBoc(ctx, boc)
		// Rejections mean the seqno changed or the balance ran out.
		if err != nil {
			if serverErr, ok := toncenter.AsServerError(err); ok &&
				toncenter.IsBroadcastRejection(serverErr.Message) {
				return
			}
		}

		// The seqno may move before the rejection shows up.
		if info, err := s.Wallets.GetWalletInfo(ctx, address); err == nil && info.Seqno > seqno {
			return
		}

		select {
		case <-ctx.Done():
		case <-time.After(waitPause):
		}
	}
}

func (s *Service) estimate(ctx context.Context, account *Account, body *cell.Cell) (*emulate.Result, error) {
	result, err := s.estimateWithoutFactor(ctx, account, body)
	if err != nil {
		return nil, err
	}
	return emulate.ApplyFeeFactor(result), nil
}

func (s *Service) estimateWithoutFactor(ctx context.Context, account *Account, body *cell.Cell) (*emulate.Result, error) {
	ext := &tlb.ExternalMessage{Body: body}
	dst, err := parseFriendlyOrRaw(account.Address)
	if err != nil {
		return nil, err
	}
	ext.DstAddr = dst
	if !account.IsInitialized && account.InitCode != nil && account.InitData != nil {
		ext.StateInit = &tlb.StateInit{Code: account.InitCode, Data: account.InitData}
	}
	extCell, err := tlb.ToCell(ext)
	if err != nil {
		return nil, err
	}
	return s.Estimator.EmulateWithFallback(
		ctx,
		account.walletSpec(),
		base64.StdEncoding.EncodeToString(extCell.ToBOC()),
		account.IsInitialized,
	)
}

func parseSignedBody(bocB64 string) (*cell.Cell, error) {
	raw, err := base64.StdEncoding.DecodeString(bocB64)
	if err != nil {
		return nil, fmt.Errorf("decode signed transaction: %w", err)
	}
	body, err := cell.FromBOC(raw)
	if err != nil {
		return nil, fmt.Errorf("parse signed transaction: %w", err)
	}
	return body, nil
}
