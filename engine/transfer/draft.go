package transfer

import (
	"context"
	"encoding/base64"
	"math/big"
	"regexp"
	"strings"

	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/tvm/cell"

	"github.com/toncenter/ton-wallet-engine/engine/diesel"
	"github.com/toncenter/ton-wallet-engine/engine/models"
)

var (
	friendlyAddressRe = regexp.MustCompile(`^[A-Za-z0-9+/_-]{48}$`)
	rawAddressRe      = regexp.MustCompile(`^-?\d+:[0-9a-fA-F]{64}$`)
	dnsDomainRe       = regexp.MustCompile(`^([-0-9a-z]{1,126}\.)+[a-z]{2,126}$`)
	notURLSafeRe      = regexp.MustCompile(`[+/=]`)
)

// AddressResolver resolves DNS domains to wallet addresses.
type AddressResolver interface {
	Resolve(ctx context.Context, domain string) (string, error)
}

// AddressCheck is the outcome of destination validation.
type AddressCheck struct {
	ResolvedAddress string
	// AddressName is the domain when the input was one.
	AddressName  string
	IsBounceable bool
}

// CheckToAddress validates and resolves a transfer destination: a friendly
// address, a raw workchain:hex address or a DNS domain.
func (s *Service) CheckToAddress(ctx context.Context, toAddress string) (*AddressCheck, error) {
	input := strings.TrimSpace(toAddress)
	if input == "" {
		return nil, ErrInvalidToAddress
	}

	if dnsDomainRe.MatchString(strings.ToLower(input)) {
		if s.Resolver == nil {
			return nil, ErrDomainNotResolved
		}
		resolved, err := s.Resolver.Resolve(ctx, strings.ToLower(input))
		if err != nil || resolved == "" {
			return nil, ErrDomainNotResolved
		}
		check, err := s.CheckToAddress(ctx, resolved)
		if err != nil {
			return nil, err
		}
		check.AddressName = strings.ToLower(input)
		return check, nil
	}

	if rawAddressRe.MatchString(input) {
		if _, err := address.ParseRawAddr(input); err != nil {
			return nil, ErrInvalidToAddress
		}
		// Raw addresses carry no flags and are treated as non-bounceable.
		return &AddressCheck{ResolvedAddress: input}, nil
	}

	if !friendlyAddressRe.MatchString(input) {
		return nil, ErrInvalidToAddress
	}
	if notURLSafeRe.MatchString(input) {
		return nil, ErrInvalidAddressFormat
	}
	addr, err := address.ParseAddr(input)
	if err != nil {
		return nil, ErrInvalidToAddress
	}
	if addr.IsTestnetOnly() && s.Network == models.NetworkMainnet {
		return nil, ErrInvalidAddressFormat
	}
	return &AddressCheck{
		ResolvedAddress: input,
		IsBounceable:    addr.IsBounceable(),
	}, nil
}

type DraftOptions struct {
	Account *Account
	// Signer must be a mock signer: the draft only needs body shapes for
	// emulation, never real signatures.
	Signer Signer

	ToAddress    string
	Amount       *big.Int
	TokenAddress string
	Comment      string
	Payload      *cell.Cell
	StateInitB64 string
	AllowGasless bool
}

// DraftResult carries everything the caller needs to confirm a transfer.
// On a DraftError the result may still be partially filled.
type DraftResult struct {
	ResolvedAddress string
	AddressName     string
	// IsToAddressNew means the destination never transacted, a typo guard
	// for bounceable addresses of uninitialized accounts.
	IsToAddressNew bool
	Fee            *big.Int
	RealFee        *big.Int
	Diesel         *diesel.Estimate
}

// CheckTransactionDraft validates a transfer without broadcasting anything:
// destination, balances, fee estimate via emulation and the sponsorship
// decision for token transfers.
func (s *Service) CheckTransactionDraft(ctx context.Context, opts DraftOptions) (*DraftResult, error) {
	account := opts.Account

	check, err := s.CheckToAddress(ctx, opts.ToAddress)
	if err != nil {
		return nil, err
	}
	result := &DraftResult{
		ResolvedAddress: check.ResolvedAddress,
		AddressName:     check.AddressName,
	}

	var stateInit *cell.Cell
	if opts.StateInitB64 != "" {
		raw, err := base64.StdEncoding.DecodeString(opts.StateInitB64)
		if err != nil {
			return result, ErrInvalidStateInit
		}
		stateInit, err = cell.FromBOC(raw)
		if err != nil {
			return result, ErrInvalidStateInit
		}
	}

	if check.IsBounceable && stateInit == nil {
		toIsInitialized, _, err := s.Wallets.GetContractInfo(ctx, check.ResolvedAddress)
		if err != nil {
			return result, err
		}
		if !toIsInitialized {
			// A bounceable address of an empty account bounces the whole
			// transfer back. Flag likely typos on top of that.
			hasTx, err := s.Wallets.HasTransaction(ctx, check.ResolvedAddress)
			if err != nil {
				return result, err
			}
			result.IsToAddressNew = !hasTx
			return result, ErrInactiveContract
		}
	}

	if opts.Amount == nil || opts.Amount.Sign() < 0 {
		return result, ErrInvalidAmount
	}

	info, err := s.Wallets.GetWalletInfo(ctx, account.Address)
	if err != nil {
		return result, err
	}
	if !account.IsInitialized && account.InitCode == nil {
		return result, ErrWalletNotInitialized
	}

	payload := opts.Payload
	if opts.Comment != "" && payload == nil {
		payload = CommentPayload(opts.Comment)
	}

	toAddress := check.ResolvedAddress
	toncoinAmount := opts.Amount
	var tokenBalance *big.Int
	var tokenRealTonAmount *big.Int
	if opts.TokenAddress != "" {
		tokenTransfer, err := s.BuildTokenTransfer(ctx, BuildTokenTransferOptions{
			TokenAddress: opts.TokenAddress,
			FromAddress:  account.Address,
			ToAddress:    toAddress,
			Amount:       opts.Amount,
			Payload:      payload,
		})
		if err != nil {
			return result, err
		}
		toncoinAmount = tokenTransfer.Amount
		toAddress = tokenTransfer.ToAddress
		payload = tokenTransfer.Payload
		if tokenTransfer.StateInit != nil {
			stateInit = tokenTransfer.StateInit
		}
		tokenBalance = tokenTransfer.TokenWalletBalance
		tokenRealTonAmount = tokenTransfer.RealAmount
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
		return result, err
	}

	estimate, err := s.estimate(ctx, account, signed[0].body)
	if err != nil {
		return result, err
	}
	result.Fee = estimate.NetworkFee
	result.RealFee = estimate.NetworkFee
	if opts.TokenAddress != "" {
		// The attached toncoin counts toward the fee; most of it returns as
		// excess, which only RealFee accounts for.
		result.Fee = new(big.Int).Add(estimate.NetworkFee, toncoinAmount)
		result.RealFee = new(big.Int).Add(estimate.NetworkFee, tokenRealTonAmount)
	}

	// For token transfers Fee already includes the attached toncoin.
	required := new(big.Int).Set(result.Fee)
	if !isFullTonTransfer && opts.TokenAddress == "" {
		required.Add(required, opts.Amount)
	}
	canTransferGasfully := info.Balance.Cmp(required) >= 0

	if opts.AllowGasless && opts.TokenAddress != "" {
		dieselEstimate, err := s.Diesel.GetDiesel(ctx, diesel.GetDieselOptions{
			WalletAddress:       account.Address,
			WalletVersion:       dieselWalletVersion(account.Version),
			TokenAddress:        opts.TokenAddress,
			CanTransferGasfully: canTransferGasfully,
			ToncoinBalance:      info.Balance,
			TokenBalance:        tokenBalance,
		})
		if err != nil {
			s.Log.WithError(err).Warn("diesel estimate failed")
		} else {
			result.Diesel = dieselEstimate
		}
	}

	isEnoughBalance := canTransferGasfully
	if opts.TokenAddress != "" {
		if diesel.IsAvailable(result.Diesel) {
			// The sponsor pays the gas; the token balance has to cover the
			// amount plus the token-paid diesel. Stars are paid off-chain.
			need := new(big.Int).Set(opts.Amount)
			if result.Diesel.Status != diesel.StatusStarsFee {
				need.Add(need, diesel.TokenAmount(result.Diesel))
			}
			isEnoughBalance = tokenBalance.Cmp(need) >= 0
		} else {
			isEnoughBalance = canTransferGasfully && tokenBalance.Cmp(opts.Amount) >= 0
		}
	}
	if !isEnoughBalance {
		return result, ErrInsufficientBalance
	}
	return result, nil
}

// FetchEstimateDiesel asks for a sponsorship estimate regardless of whether
// the wallet could also pay in toncoin.
func (s *Service) FetchEstimateDiesel(ctx context.Context, account *Account, tokenAddress string) (*diesel.Estimate, error) {
	return s.Diesel.GetDiesel(ctx, diesel.GetDieselOptions{
		WalletAddress:       account.Address,
		WalletVersion:       dieselWalletVersion(account.Version),
		TokenAddress:        tokenAddress,
		CanTransferGasfully: false,
	})
}

func dieselWalletVersion(version WalletVersion) string {
	if version == WalletW5 {
		return "W5"
	}
	return string(version)
}
