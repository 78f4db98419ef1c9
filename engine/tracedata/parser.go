// Package tracedata turns a toncenter trace into per-outgoing-message fee
// aggregates for one wallet. Each top level message the wallet sent becomes
// one part; the part accumulates everything the wallet sent and received
// along that branch of the transaction tree.
package tracedata

import (
	"fmt"
	"math/big"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/toncenter/ton-wallet-engine/engine/models"
	"github.com/toncenter/ton-wallet-engine/engine/units"
)

// Part aggregates one outgoing message branch.
type Part struct {
	// Hashes holds the transaction hashes of the branch, except the root
	// transaction: its hash is shared by every branch and would make any
	// action match any part.
	Hashes     mapset.Set[string]
	Sent       *big.Int
	Received   *big.Int
	NetworkFee *big.Int
	IsSuccess  bool
}

type ParsedTrace struct {
	Actions            []*models.Action
	Root               *models.TraceNode
	AddressBook        models.AddressBook
	Transactions       map[string]*models.Transaction
	ByTransactionIndex []*Part
	TotalSent          *big.Int
	TotalReceived      *big.Int
	TotalNetworkFee    *big.Int
}

// walletLeg is one message of a raw transaction seen from the wallet's side.
type walletLeg struct {
	txHash      string
	fromAddress string
	toAddress   string
	amount      *big.Int
	isIncoming  bool
	fee         *big.Int
	msgHash     string
	bounced     bool
}

// Parse reconciles a trace for the given wallet (user friendly address).
func Parse(walletAddress string, trace *models.Trace, book models.AddressBook) (*ParsedTrace, error) {
	if trace.Trace == nil {
		return nil, fmt.Errorf("trace %s has no transaction tree", trace.TraceID)
	}

	var parts []*Part
	var err error
	if len(trace.Trace.Children) == 0 {
		parts, err = parseFailedTransactions(trace.Trace, trace.Transactions)
	} else {
		parts, err = parseCompletedTransactions(walletAddress, trace, book)
	}
	if err != nil {
		return nil, err
	}

	parsed := &ParsedTrace{
		Actions:            trace.Actions,
		Root:               trace.Trace,
		AddressBook:        book,
		Transactions:       trace.Transactions,
		ByTransactionIndex: parts,
		TotalSent:          big.NewInt(0),
		TotalReceived:      big.NewInt(0),
		TotalNetworkFee:    big.NewInt(0),
	}
	for _, p := range parts {
		parsed.TotalSent.Add(parsed.TotalSent, p.Sent)
		parsed.TotalReceived.Add(parsed.TotalReceived, p.Received)
		parsed.TotalNetworkFee.Add(parsed.TotalNetworkFee, p.NetworkFee)
	}
	return parsed, nil
}

// A failed external produces a single transaction with no children. The root
// may stand for several failed messages, but one aggregate part is enough
// for fee purposes.
func parseFailedTransactions(root *models.TraceNode, txs map[string]*models.Transaction) ([]*Part, error) {
	rawTx, ok := txs[root.TxHash]
	if !ok {
		return nil, fmt.Errorf("trace root transaction %s missing from transaction map", root.TxHash)
	}
	fee, err := units.FromString(rawTx.TotalFees)
	if err != nil {
		return nil, fmt.Errorf("transaction %s total_fees: %w", root.TxHash, err)
	}
	return []*Part{{
		Hashes:     mapset.NewSet(root.TxHash),
		Sent:       big.NewInt(0),
		Received:   big.NewInt(0),
		NetworkFee: fee,
		IsSuccess:  false,
	}}, nil
}

func parseCompletedTransactions(walletAddress string, trace *models.Trace, book models.AddressBook) ([]*Part, error) {
	byHash, err := flattenTransactions(trace, book)
	if err != nil {
		return nil, err
	}
	w := &walker{
		walletAddress: walletAddress,
		byHash:        byHash,
	}
	if err := w.processNode(trace.Trace, -1); err != nil {
		return nil, err
	}
	return w.parts, nil
}

type walker struct {
	walletAddress string
	byHash        map[string][]walletLeg
	parts         []*Part
	// In gasless operations the branch starts at the sponsor; accumulation
	// begins only once an outgoing wallet transaction is seen.
	walletTxFound bool
}

func (w *walker) processNode(node *models.TraceNode, index int) error {
	legs := w.byHash[node.TxHash]

	if !w.walletTxFound {
		for _, leg := range legs {
			if leg.fromAddress == w.walletAddress && !leg.isIncoming {
				w.walletTxFound = true
				break
			}
		}
		if !w.walletTxFound {
			for _, child := range node.Children {
				if err := w.processNode(child, -1); err != nil {
					return err
				}
			}
			return nil
		}
	}

	for i, leg := range legs {
		idx := index
		if idx < 0 {
			idx = i
		}

		if idx >= len(w.parts) {
			w.parts = append(w.parts, &Part{
				Hashes:     mapset.NewSet[string](),
				Sent:       big.NewInt(0),
				Received:   big.NewInt(0),
				NetworkFee: big.NewInt(0),
				IsSuccess:  true,
			})
		} else {
			w.parts[idx].Hashes.Add(node.TxHash)
		}
		part := w.parts[idx]

		if leg.fromAddress == w.walletAddress && !leg.isIncoming {
			part.Sent.Add(part.Sent, units.Abs(leg.amount))
			part.NetworkFee = new(big.Int).Set(leg.fee)
		} else if leg.toAddress == w.walletAddress && leg.isIncoming && !leg.bounced {
			part.Received.Add(part.Received, units.Abs(leg.amount))
		}

		for _, child := range node.Children {
			if child.InMsgHash == leg.msgHash {
				if err := w.processNode(child, idx); err != nil {
					return err
				}
				break
			}
		}
	}
	return nil
}

// flattenTransactions converts raw transactions into wallet legs, one per
// message carrying a source or destination, grouped by transaction hash.
// Iteration follows transactions_order so index assignment is stable.
func flattenTransactions(trace *models.Trace, book models.AddressBook) (map[string][]walletLeg, error) {
	order := trace.TransactionsOrder
	if len(order) == 0 {
		order = make([]string, 0, len(trace.Transactions))
		for hash := range trace.Transactions {
			order = append(order, hash)
		}
		sort.Strings(order)
	}

	byHash := make(map[string][]walletLeg, len(order))
	for _, hash := range order {
		rawTx, ok := trace.Transactions[hash]
		if !ok {
			continue
		}
		legs, err := transactionLegs(rawTx, book)
		if err != nil {
			return nil, err
		}
		byHash[rawTx.Hash] = append(byHash[rawTx.Hash], legs...)
	}
	return byHash, nil
}

func transactionLegs(rawTx *models.Transaction, book models.AddressBook) ([]walletLeg, error) {
	fee, err := units.FromString(rawTx.TotalFees)
	if err != nil {
		return nil, fmt.Errorf("transaction %s total_fees: %w", rawTx.Hash, err)
	}
	account := book.Friendly(rawTx.Account)

	var legs []walletLeg
	// An in message without a source is the external itself and carries no
	// value movement.
	if in := rawTx.InMsg; in != nil && in.Source != nil {
		amount, err := messageValue(in)
		if err != nil {
			return nil, fmt.Errorf("transaction %s in_msg: %w", rawTx.Hash, err)
		}
		legs = append(legs, walletLeg{
			txHash:      rawTx.Hash,
			fromAddress: book.Friendly(*in.Source),
			toAddress:   account,
			amount:      amount,
			isIncoming:  true,
			fee:         fee,
			msgHash:     in.Hash,
			bounced:     in.Bounced != nil && *in.Bounced,
		})
	}
	for _, out := range rawTx.OutMsgs {
		if out.Destination == nil {
			continue
		}
		amount, err := messageValue(out)
		if err != nil {
			return nil, fmt.Errorf("transaction %s out_msg: %w", rawTx.Hash, err)
		}
		legs = append(legs, walletLeg{
			txHash:      rawTx.Hash,
			fromAddress: account,
			toAddress:   book.Friendly(*out.Destination),
			amount:      new(big.Int).Neg(amount),
			isIncoming:  false,
			fee:         fee,
			msgHash:     out.Hash,
			bounced:     out.Bounced != nil && *out.Bounced,
		})
	}
	return legs, nil
}

func messageValue(msg *models.TransactionMessage) (*big.Int, error) {
	if msg.Value == nil {
		return big.NewInt(0), nil
	}
	return units.FromString(*msg.Value)
}
