package models

import (
	"encoding/json"
	"fmt"
)

type ActionType string

const (
	ActionTonTransfer            ActionType = "ton_transfer"
	ActionCallContract           ActionType = "call_contract"
	ActionContractDeploy         ActionType = "contract_deploy"
	ActionJettonTransfer         ActionType = "jetton_transfer"
	ActionJettonBurn             ActionType = "jetton_burn"
	ActionJettonMint             ActionType = "jetton_mint"
	ActionNftTransfer            ActionType = "nft_transfer"
	ActionNftMint                ActionType = "nft_mint"
	ActionJettonSwap             ActionType = "jetton_swap"
	ActionStakeDeposit           ActionType = "stake_deposit"
	ActionStakeWithdrawal        ActionType = "stake_withdrawal"
	ActionStakeWithdrawalRequest ActionType = "stake_withdrawal_request"
	ActionDexDepositLiquidity    ActionType = "dex_deposit_liquidity"
	ActionDexWithdrawLiquidity   ActionType = "dex_withdraw_liquidity"
	ActionAuctionBid             ActionType = "auction_bid"
	ActionChangeDns              ActionType = "change_dns"
	ActionDeleteDns              ActionType = "delete_dns"
	ActionRenewDns               ActionType = "renew_dns"
	ActionSubscribe              ActionType = "subscribe"
	ActionUnsubscribe            ActionType = "unsubscribe"
)

// ActionDetails is the per-type payload of an Action. The concrete type is
// chosen by Action.Type during decoding.
type ActionDetails interface {
	actionDetails()
}

type TonTransferDetails struct {
	Source      string  `json:"source"`
	Destination string  `json:"destination"`
	Value       string  `json:"value"`
	Comment     *string `json:"comment"`
	Encrypted   bool    `json:"encrypted"`
}

type CallContractDetails struct {
	Opcode      string `json:"opcode"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Value       string `json:"value"`
}

type ContractDeployDetails struct {
	Opcode      *string `json:"opcode,omitempty"`
	Source      *string `json:"source,omitempty"`
	Destination string  `json:"destination"`
	Value       string  `json:"value"`
}

type JettonTransferDetails struct {
	Asset                string  `json:"asset"`
	Sender               string  `json:"sender"`
	Receiver             string  `json:"receiver"`
	SenderJettonWallet   string  `json:"sender_jetton_wallet"`
	ReceiverJettonWallet string  `json:"receiver_jetton_wallet"`
	Amount               string  `json:"amount"`
	Comment              *string `json:"comment"`
	IsEncryptedComment   bool    `json:"is_encrypted_comment"`
	QueryID              string  `json:"query_id"`
	ResponseDestination  string  `json:"response_destination"`
	CustomPayload        *string `json:"custom_payload"`
	ForwardPayload       *string `json:"forward_payload"`
	ForwardAmount        string  `json:"forward_amount"`
}

type JettonBurnDetails struct {
	Owner             string `json:"owner"`
	OwnerJettonWallet string `json:"owner_jetton_wallet"`
	Asset             string `json:"asset"`
	Amount            string `json:"amount"`
}

type JettonMintDetails struct {
	Asset                string `json:"asset"`
	Receiver             string `json:"receiver"`
	ReceiverJettonWallet string `json:"receiver_jetton_wallet"`
	Amount               string `json:"amount"`
	TonAmount            string `json:"ton_amount"`
}

type NftTransferDetails struct {
	NftCollection       *string `json:"nft_collection"`
	NftItem             string  `json:"nft_item"`
	NftItemIndex        *string `json:"nft_item_index"`
	NewOwner            string  `json:"new_owner"`
	OldOwner            *string `json:"old_owner,omitempty"`
	IsPurchase          bool    `json:"is_purchase"`
	QueryID             string  `json:"query_id"`
	ResponseDestination *string `json:"response_destination"`
	ForwardPayload      *string `json:"forward_payload"`
	ForwardAmount       *string `json:"forward_amount"`
	Price               *string `json:"price"`
	Marketplace         *string `json:"marketplace"`
}

type NftMintDetails struct {
	Owner         string  `json:"owner"`
	NftItem       string  `json:"nft_item"`
	NftCollection *string `json:"nft_collection"`
	NftItemIndex  string  `json:"nft_item_index"`
}

// DexTransfer is one leg of a swap: what went into the dex or came out of it.
type DexTransfer struct {
	Asset                   *string `json:"asset"`
	Source                  string  `json:"source"`
	Destination             string  `json:"destination"`
	SourceJettonWallet      *string `json:"source_jetton_wallet"`
	DestinationJettonWallet *string `json:"destination_jetton_wallet"`
	Amount                  string  `json:"amount"`
}

type SwapDetails struct {
	Dex                 string       `json:"dex"`
	Sender              string       `json:"sender"`
	AssetIn             *string      `json:"asset_in"`
	AssetOut            *string      `json:"asset_out"`
	DexIncomingTransfer *DexTransfer `json:"dex_incoming_transfer"`
	DexOutgoingTransfer *DexTransfer `json:"dex_outgoing_transfer"`
}

type StakeDepositDetails struct {
	Provider    string `json:"provider"`
	StakeHolder string `json:"stake_holder"`
	Pool        string `json:"pool"`
	Amount      string `json:"amount"`
}

type StakeWithdrawalDetails struct {
	Provider    string  `json:"provider"`
	StakeHolder string  `json:"stake_holder"`
	Pool        *string `json:"pool"`
	Amount      string  `json:"amount"`
	PayoutNft   *string `json:"payout_nft"`
}

type StakeWithdrawalRequestDetails struct {
	Provider    string  `json:"provider"`
	StakeHolder string  `json:"stake_holder"`
	Pool        string  `json:"pool"`
	PayoutNft   *string `json:"payout_nft"`
}

type DexDepositLiquidityDetails struct {
	Dex                  string  `json:"dex"`
	Amount1              *string `json:"amount_1"`
	Amount2              *string `json:"amount_2"`
	Asset1               *string `json:"asset_1"`
	Asset2               *string `json:"asset_2"`
	UserJettonWallet1    *string `json:"user_jetton_wallet_1"`
	UserJettonWallet2    *string `json:"user_jetton_wallet_2"`
	Source               string  `json:"source"`
	Pool                 *string `json:"pool"`
	DestinationLiquidity string  `json:"destination_liquidity"`
	LpTokensMinted       *string `json:"lp_tokens_minted"`
}

type DexWithdrawLiquidityDetails struct {
	Dex                  string  `json:"dex"`
	Amount1              string  `json:"amount_1"`
	Amount2              string  `json:"amount_2"`
	Asset1               *string `json:"asset_1"`
	Asset2               *string `json:"asset_2"`
	UserJettonWallet1    *string `json:"user_jetton_wallet_1"`
	UserJettonWallet2    *string `json:"user_jetton_wallet_2"`
	LpTokensBurnt        string  `json:"lp_tokens_burnt"`
	IsRefund             *bool   `json:"is_refund"`
	Source               string  `json:"source"`
	Pool                 string  `json:"pool"`
	DestinationLiquidity string  `json:"destination_liquidity"`
}

type AuctionBidDetails struct {
	Amount        string  `json:"amount"`
	Bidder        string  `json:"bidder"`
	Auction       string  `json:"auction"`
	NftItem       string  `json:"nft_item"`
	NftCollection *string `json:"nft_collection"`
	NftItemIndex  *string `json:"nft_item_index"`
}

type ChangeDnsDetails struct {
	Key    string `json:"key"`
	Source string `json:"source"`
	Asset  string `json:"asset"`
}

type DeleteDnsDetails struct {
	Hash   string `json:"hash"`
	Source string `json:"source"`
	Asset  string `json:"asset"`
}

type RenewDnsDetails struct {
	Source string `json:"source"`
	Asset  string `json:"asset"`
}

type SubscribeDetails struct {
	Subscriber   string `json:"subscriber"`
	Beneficiary  string `json:"beneficiary"`
	Subscription string `json:"subscription"`
	Amount       string `json:"amount"`
}

type UnsubscribeDetails struct {
	Subscriber   string `json:"subscriber"`
	Subscription string `json:"subscription"`
}

// UnknownDetails keeps the raw payload of action types this engine does not
// model. Such actions contribute nothing to fee adjustments.
type UnknownDetails struct {
	Raw json.RawMessage
}

func (*TonTransferDetails) actionDetails()            {}
func (*CallContractDetails) actionDetails()           {}
func (*ContractDeployDetails) actionDetails()         {}
func (*JettonTransferDetails) actionDetails()         {}
func (*JettonBurnDetails) actionDetails()             {}
func (*JettonMintDetails) actionDetails()             {}
func (*NftTransferDetails) actionDetails()            {}
func (*NftMintDetails) actionDetails()                {}
func (*SwapDetails) actionDetails()                   {}
func (*StakeDepositDetails) actionDetails()           {}
func (*StakeWithdrawalDetails) actionDetails()        {}
func (*StakeWithdrawalRequestDetails) actionDetails() {}
func (*DexDepositLiquidityDetails) actionDetails()    {}
func (*DexWithdrawLiquidityDetails) actionDetails()   {}
func (*AuctionBidDetails) actionDetails()             {}
func (*ChangeDnsDetails) actionDetails()              {}
func (*DeleteDnsDetails) actionDetails()              {}
func (*RenewDnsDetails) actionDetails()               {}
func (*SubscribeDetails) actionDetails()              {}
func (*UnsubscribeDetails) actionDetails()            {}
func (*UnknownDetails) actionDetails()                {}

// Action is one classified action of a trace.
type Action struct {
	TraceID               *string       `json:"trace_id"`
	ActionID              string        `json:"action_id"`
	Type                  ActionType    `json:"type"`
	Accounts              []string      `json:"accounts,omitempty"`
	StartLt               string        `json:"start_lt"`
	EndLt                 string        `json:"end_lt"`
	StartUtime            int64         `json:"start_utime"`
	EndUtime              int64         `json:"end_utime"`
	Transactions          []string      `json:"transactions"`
	Success               bool          `json:"success"`
	TraceExternalHash     string        `json:"trace_external_hash"`
	TraceExternalHashNorm *string       `json:"trace_external_hash_norm,omitempty"`
	Details               ActionDetails `json:"details"`
}

type actionEnvelope struct {
	TraceID               *string         `json:"trace_id"`
	ActionID              string          `json:"action_id"`
	Type                  ActionType      `json:"type"`
	Accounts              []string        `json:"accounts,omitempty"`
	StartLt               string          `json:"start_lt"`
	EndLt                 string          `json:"end_lt"`
	StartUtime            int64           `json:"start_utime"`
	EndUtime              int64           `json:"end_utime"`
	Transactions          []string        `json:"transactions"`
	Success               bool            `json:"success"`
	TraceExternalHash     string          `json:"trace_external_hash"`
	TraceExternalHashNorm *string         `json:"trace_external_hash_norm,omitempty"`
	Details               json.RawMessage `json:"details"`
}

func newActionDetails(t ActionType) ActionDetails {
	switch t {
	case ActionTonTransfer:
		return &TonTransferDetails{}
	case ActionCallContract:
		return &CallContractDetails{}
	case ActionContractDeploy:
		return &ContractDeployDetails{}
	case ActionJettonTransfer:
		return &JettonTransferDetails{}
	case ActionJettonBurn:
		return &JettonBurnDetails{}
	case ActionJettonMint:
		return &JettonMintDetails{}
	case ActionNftTransfer:
		return &NftTransferDetails{}
	case ActionNftMint:
		return &NftMintDetails{}
	case ActionJettonSwap:
		return &SwapDetails{}
	case ActionStakeDeposit:
		return &StakeDepositDetails{}
	case ActionStakeWithdrawal:
		return &StakeWithdrawalDetails{}
	case ActionStakeWithdrawalRequest:
		return &StakeWithdrawalRequestDetails{}
	case ActionDexDepositLiquidity:
		return &DexDepositLiquidityDetails{}
	case ActionDexWithdrawLiquidity:
		return &DexWithdrawLiquidityDetails{}
	case ActionAuctionBid:
		return &AuctionBidDetails{}
	case ActionChangeDns:
		return &ChangeDnsDetails{}
	case ActionDeleteDns:
		return &DeleteDnsDetails{}
	case ActionRenewDns:
		return &RenewDnsDetails{}
	case ActionSubscribe:
		return &SubscribeDetails{}
	case ActionUnsubscribe:
		return &UnsubscribeDetails{}
	}
	return nil
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var env actionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	a.TraceID = env.TraceID
	a.ActionID = env.ActionID
	a.Type = env.Type
	a.Accounts = env.Accounts
	a.StartLt = env.StartLt
	a.EndLt = env.EndLt
	a.StartUtime = env.StartUtime
	a.EndUtime = env.EndUtime
	a.Transactions = env.Transactions
	a.Success = env.Success
	a.TraceExternalHash = env.TraceExternalHash
	a.TraceExternalHashNorm = env.TraceExternalHashNorm

	details := newActionDetails(env.Type)
	if details == nil {
		a.Details = &UnknownDetails{Raw: env.Details}
		return nil
	}
	if len(env.Details) > 0 {
		if err := json.Unmarshal(env.Details, details); err != nil {
			return fmt.Errorf("decode %s details: %w", env.Type, err)
		}
	}
	a.Details = details
	return nil
}

func (a *Action) MarshalJSON() ([]byte, error) {
	env := actionEnvelope{
		TraceID:               a.TraceID,
		ActionID:              a.ActionID,
		Type:                  a.Type,
		Accounts:              a.Accounts,
		StartLt:               a.StartLt,
		EndLt:                 a.EndLt,
		StartUtime:            a.StartUtime,
		EndUtime:              a.EndUtime,
		Transactions:          a.Transactions,
		Success:               a.Success,
		TraceExternalHash:     a.TraceExternalHash,
		TraceExternalHashNorm: a.TraceExternalHashNorm,
	}
	if u, ok := a.Details.(*UnknownDetails); ok {
		env.Details = u.Raw
	} else if a.Details != nil {
		raw, err := json.Marshal(a.Details)
		if err != nil {
			return nil, err
		}
		env.Details = raw
	}
	return json.Marshal(&env)
}
