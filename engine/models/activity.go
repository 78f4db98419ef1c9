package models

import (
	"fmt"
	"math/big"
	"strings"
)

type ActivityStatus string

const (
	ActivityPending   ActivityStatus = "pending"
	ActivityCompleted ActivityStatus = "completed"
	ActivityFailed    ActivityStatus = "failed"
	ActivityExpired   ActivityStatus = "expired"
)

// Coins is a nanoton (or token base unit) amount. JSON carries it as a
// decimal string, the way toncenter does.
type Coins struct {
	*big.Int
}

func NewCoins(v int64) Coins {
	return Coins{big.NewInt(v)}
}

func CoinsFromString(s string) (Coins, error) {
	if s == "" {
		return Coins{big.NewInt(0)}, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Coins{}, fmt.Errorf("invalid coins value: %q", s)
	}
	return Coins{v}, nil
}

func (c Coins) MarshalJSON() ([]byte, error) {
	if c.Int == nil {
		return []byte(`"0"`), nil
	}
	return []byte(`"` + c.Int.String() + `"`), nil
}

func (c *Coins) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" || s == "" {
		c.Int = big.NewInt(0)
		return nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("invalid coins value: %s", string(data))
	}
	c.Int = v
	return nil
}

// Activity is a wallet-view event derived from a trace: either a plain
// transaction leg or a swap.
type Activity interface {
	ActivityID() string
	ExternalHashNorm() string
	NeedsDetails() bool
	activity()
}

type TransactionActivity struct {
	ID                  string         `json:"id"`
	Kind                string         `json:"kind"`
	FromAddress         string         `json:"fromAddress"`
	ToAddress           string         `json:"toAddress"`
	Amount              Coins          `json:"amount"`
	Fee                 Coins          `json:"fee"`
	Slug                string         `json:"slug"`
	Timestamp           int64          `json:"timestamp"`
	IsIncoming          bool           `json:"isIncoming"`
	NormalizedAddress   string         `json:"normalizedAddress"`
	Type                string         `json:"type,omitempty"`
	Comment             *string        `json:"comment,omitempty"`
	Status              ActivityStatus `json:"status"`
	ShouldLoadDetails   bool           `json:"shouldLoadDetails,omitempty"`
	ExternalMsgHashNorm string         `json:"externalMsgHashNorm,omitempty"`
}

type SwapActivity struct {
	ID                  string         `json:"id"`
	Kind                string         `json:"kind"`
	From                string         `json:"from"`
	To                  string         `json:"to"`
	FromAmount          string         `json:"fromAmount"`
	ToAmount            string         `json:"toAmount"`
	NetworkFee          string         `json:"networkFee,omitempty"`
	OurFee              string         `json:"ourFee,omitempty"`
	Timestamp           int64          `json:"timestamp"`
	Status              ActivityStatus `json:"status"`
	ShouldLoadDetails   bool           `json:"shouldLoadDetails,omitempty"`
	ExternalMsgHashNorm string         `json:"externalMsgHashNorm,omitempty"`
}

func (a *TransactionActivity) ActivityID() string       { return a.ID }
func (a *TransactionActivity) ExternalHashNorm() string { return a.ExternalMsgHashNorm }
func (a *TransactionActivity) NeedsDetails() bool       { return a.ShouldLoadDetails }
func (a *TransactionActivity) activity()                {}

func (a *SwapActivity) ActivityID() string       { return a.ID }
func (a *SwapActivity) ExternalHashNorm() string { return a.ExternalMsgHashNorm }
func (a *SwapActivity) NeedsDetails() bool       { return a.ShouldLoadDetails }
func (a *SwapActivity) activity()                {}

// Clone returns a shallow copy with independent big.Int values, so detail
// calculation can return an updated activity without mutating the input.
func (a *TransactionActivity) Clone() *TransactionActivity {
	cp := *a
	if a.Amount.Int != nil {
		cp.Amount = Coins{new(big.Int).Set(a.Amount.Int)}
	}
	if a.Fee.Int != nil {
		cp.Fee = Coins{new(big.Int).Set(a.Fee.Int)}
	}
	return &cp
}

func (a *SwapActivity) Clone() *SwapActivity {
	cp := *a
	return &cp
}

// BuildActionActivityID combines the normalized external hash, the action
// start lt and the toncenter action id into the activity id used across the
// engine.
func BuildActionActivityID(externalHashNorm, startLt, actionID string) string {
	return externalHashNorm + ":" + startLt + "-" + actionID
}

// ParseActionActivityID recovers the toncenter action id from an activity id.
func ParseActionActivityID(id string) (string, error) {
	_, rest, ok := strings.Cut(id, ":")
	if !ok {
		return "", fmt.Errorf("malformed activity id: %q", id)
	}
	_, actionID, ok := strings.Cut(rest, "-")
	if !ok {
		return "", fmt.Errorf("malformed activity id: %q", id)
	}
	return actionID, nil
}
