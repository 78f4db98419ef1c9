package models

// TraceNode is one vertex of the transaction tree returned by
// /api/v3/traces. Children are linked to the parent by the hash of the
// message that produced them.
type TraceNode struct {
	TxHash    string       `json:"tx_hash"`
	InMsgHash string       `json:"in_msg_hash"`
	Children  []*TraceNode `json:"children"`
}

type TransactionMessage struct {
	Hash        string  `json:"hash"`
	HashNorm    *string `json:"hash_norm,omitempty"`
	Source      *string `json:"source"`
	Destination *string `json:"destination"`
	Value       *string `json:"value"`
	FwdFee      *string `json:"fwd_fee"`
	IhrFee      *string `json:"ihr_fee"`
	CreatedLt   *string `json:"created_lt"`
	CreatedAt   *int64  `json:"created_at"`
	Opcode      *string `json:"opcode"`
	IhrDisabled *bool   `json:"ihr_disabled"`
	Bounce      *bool   `json:"bounce"`
	Bounced     *bool   `json:"bounced"`
	ImportFee   *string `json:"import_fee"`
}

type ComputePhase struct {
	Skipped  bool   `json:"skipped"`
	Success  bool   `json:"success"`
	GasFees  string `json:"gas_fees"`
	GasUsed  string `json:"gas_used"`
	ExitCode int32  `json:"exit_code"`
}

type TransactionDescription struct {
	Type      bool          `json:"-"`
	Aborted   bool          `json:"aborted"`
	Destroyed bool          `json:"destroyed"`
	ComputePh *ComputePhase `json:"compute_ph,omitempty"`
}

type Transaction struct {
	Account       string                  `json:"account"`
	Hash          string                  `json:"hash"`
	Lt            string                  `json:"lt"`
	Now           int64                   `json:"now"`
	McBlockSeqno  *int64                  `json:"mc_block_seqno,omitempty"`
	TraceID       *string                 `json:"trace_id,omitempty"`
	OrigStatus    string                  `json:"orig_status"`
	EndStatus     string                  `json:"end_status"`
	TotalFees     string                  `json:"total_fees"`
	Description   *TransactionDescription `json:"description,omitempty"`
	InMsg         *TransactionMessage     `json:"in_msg"`
	OutMsgs       []*TransactionMessage   `json:"out_msgs"`
	Emulated      bool                    `json:"emulated"`
}

// Trace is the full reconciliation payload for one external message: the
// classified actions, the raw transaction tree and the flat transaction map.
type Trace struct {
	TraceID               string                  `json:"trace_id"`
	ExternalHash          string                  `json:"external_hash"`
	StartLt               string                  `json:"start_lt"`
	EndLt                 string                  `json:"end_lt"`
	StartUtime            int64                   `json:"start_utime"`
	EndUtime              int64                   `json:"end_utime"`
	IsIncomplete          bool                    `json:"is_incomplete"`
	Actions               []*Action               `json:"actions"`
	Trace                 *TraceNode              `json:"trace"`
	TransactionsOrder     []string                `json:"transactions_order"`
	Transactions          map[string]*Transaction `json:"transactions"`
}

type TracesResponse struct {
	Traces      []*Trace    `json:"traces"`
	AddressBook AddressBook `json:"address_book"`
}

// WalletState is the /api/v3/walletStates row.
type WalletState struct {
	Address             string  `json:"address"`
	Balance             string  `json:"balance"`
	Status              string  `json:"status"`
	IsWallet            bool    `json:"is_wallet"`
	IsSignatureAllowed  *bool   `json:"is_signature_allowed,omitempty"`
	Seqno               *uint32 `json:"seqno,omitempty"`
	WalletID            *int64  `json:"wallet_id,omitempty"`
	WalletType          *string `json:"wallet_type,omitempty"`
	CodeHash            *string `json:"code_hash,omitempty"`
	LastTransactionHash *string `json:"last_transaction_hash,omitempty"`
	LastTransactionLt   int64   `json:"last_transaction_lt"`
}

func (s *WalletState) IsInitialized() bool {
	return s.Status == "active"
}
