// Package activity reconciles wallet activities against parsed traces: the
// displayed fee of an activity is the network fee plus everything sent for
// fees minus the returned excess.
package activity

import (
	"bytes"
	"math/big"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"
	"github.com/xssnick/tonutils-go/address"

	"github.com/toncenter/ton-wallet-engine/engine/models"
	"github.com/toncenter/ton-wallet-engine/engine/tracedata"
	"github.com/toncenter/ton-wallet-engine/engine/units"
)

// Config carries deployment addresses and service fee markers.
type Config struct {
	// PushAddress is the service contract whose transfers keep their full
	// value as an excess carrier. Empty disables the check.
	PushAddress string
	// StonPtonAddress is the proxy-toncoin master: a swap whose asset_out
	// resolves to it pays out toncoin.
	StonPtonAddress string
	// OurFeeOpcode marks service fee contract calls inside swap traces.
	// Zero disables the lookup.
	OurFeeOpcode uint64
	// OurFeePayload is the forward payload marking service fee jetton
	// transfers inside token swap traces. Empty disables the lookup.
	OurFeePayload string
	// TokenDecimals resolves a token slug to its decimals; nil means 9.
	TokenDecimals func(slug string) int
}

func (c *Config) tokenDecimals(slug string) int {
	if c.TokenDecimals == nil {
		return units.TonDecimals
	}
	return c.TokenDecimals(slug)
}

type Calculator struct {
	Cfg Config
	Log *logrus.Logger
}

func NewCalculator(cfg Config, log *logrus.Logger) *Calculator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Calculator{Cfg: cfg, Log: log}
}

// DetailsResult is the reconciled activity plus the raw components, which
// emulation sums across activities.
type DetailsResult struct {
	Activity   models.Activity
	SentForFee *big.Int
	Excess     *big.Int
}

// CalculateDetails fills in the real fee of an activity from a parsed trace.
// Returns false when the action is not in the trace yet, which happens when
// the trace is requested too early.
func (c *Calculator) CalculateDetails(
	act models.Activity,
	parsed *tracedata.ParsedTrace,
	isEmulation bool,
) (*DetailsResult, bool) {
	actionID, err := models.ParseActionActivityID(act.ActivityID())
	if err != nil {
		c.Log.WithError(err).WithField("activity_id", act.ActivityID()).Error("bad activity id")
		return nil, false
	}

	var action *models.Action
	for _, a := range parsed.Actions {
		if a.ActionID == actionID {
			action = a
			break
		}
	}
	if action == nil {
		return nil, false
	}

	actionHashes := mapset.NewSet(action.Transactions...)
	var part *tracedata.Part
	for _, p := range parsed.ByTransactionIndex {
		if p.Hashes.Intersect(actionHashes).Cardinality() > 0 {
			part = p
			break
		}
	}
	if part == nil {
		return nil, false
	}

	var result *DetailsResult
	if swap, ok := act.(*models.SwapActivity); ok {
		result = c.setSwapDetails(swap, action, part, parsed)
	} else {
		result = c.setTransactionDetails(act.(*models.TransactionActivity), action, actionID, part, parsed, isEmulation)
	}

	c.Log.WithFields(logrus.Fields{
		"action_id":   action.ActionID,
		"ext_hash":    act.ExternalHashNorm(),
		"network_fee": units.ToDecimal(part.NetworkFee, units.TonDecimals),
		"sent_for_fee": units.ToDecimal(result.SentForFee, units.TonDecimals),
		"excess":      units.ToDecimal(result.Excess, units.TonDecimals),
	}).Debug("calculated activity fee")

	return result, true
}

func (c *Calculator) setSwapDetails(
	act *models.SwapActivity,
	action *models.Action,
	part *tracedata.Part,
	parsed *tracedata.ParsedTrace,
) *DetailsResult {
	details, _ := action.Details.(*models.SwapDetails)

	sentForFee := new(big.Int).Set(part.Sent)
	excess := new(big.Int).Set(part.Received)

	// A failed part carries zero sent and received, so no adjustment applies.
	if part.IsSuccess && details != nil {
		isToncoinIn := details.AssetIn == nil
		isToncoinOut := details.AssetOut == nil ||
			sameAddress(*details.AssetOut, c.Cfg.StonPtonAddress)

		if isToncoinIn && details.DexIncomingTransfer != nil {
			in, _ := units.FromString(details.DexIncomingTransfer.Amount)
			sentForFee.Sub(sentForFee, in)
		} else if isToncoinOut && details.DexOutgoingTransfer != nil {
			out, _ := units.FromString(details.DexOutgoingTransfer.Amount)
			excess.Sub(excess, out)
		}
	}

	realFee := new(big.Int).Add(part.NetworkFee, sentForFee)
	realFee.Sub(realFee, excess)
	if realFee.Sign() < 0 {
		c.Log.WithFields(logrus.Fields{
			"action_id": action.ActionID,
			"real_fee":  realFee.String(),
		}).Error("negative real fee for swap")
	}

	updated := act.Clone()
	updated.NetworkFee = units.ToDecimal(realFee, units.TonDecimals)

	if details != nil {
		if ourFee := c.findOurFee(details, parsed.Actions); ourFee != nil && ourFee.Sign() != 0 {
			updated.OurFee = units.ToDecimal(ourFee, c.Cfg.tokenDecimals(act.From))
		}
	}

	updated.ShouldLoadDetails = false

	return &DetailsResult{Activity: updated, SentForFee: sentForFee, Excess: excess}
}

// findOurFee locates the service fee marker action of a swap trace: a
// contract call with the fee opcode for toncoin swaps, a jetton transfer
// with the fee forward payload for token swaps.
func (c *Calculator) findOurFee(details *models.SwapDetails, actions []*models.Action) *big.Int {
	if details.AssetIn == nil {
		if c.Cfg.OurFeeOpcode == 0 {
			return nil
		}
		for _, a := range actions {
			call, ok := a.Details.(*models.CallContractDetails)
			if !ok || a.Type != models.ActionCallContract {
				continue
			}
			opcode, err := ParseOpcode(call.Opcode)
			if err != nil || opcode != c.Cfg.OurFeeOpcode {
				continue
			}
			if !a.Success {
				return nil
			}
			v, _ := units.FromString(call.Value)
			return v
		}
		return nil
	}

	if c.Cfg.OurFeePayload == "" {
		return nil
	}
	for _, a := range actions {
		jt, ok := a.Details.(*models.JettonTransferDetails)
		if !ok || a.Type != models.ActionJettonTransfer {
			continue
		}
		if jt.ForwardPayload == nil || *jt.ForwardPayload != c.Cfg.OurFeePayload {
			continue
		}
		if !a.Success {
			return nil
		}
		v, _ := units.FromString(jt.Amount)
		return v
	}
	return nil
}

func (c *Calculator) setTransactionDetails(
	act *models.TransactionActivity,
	action *models.Action,
	actionID string,
	part *tracedata.Part,
	parsed *tracedata.ParsedTrace,
	isEmulation bool,
) *DetailsResult {
	networkFee := new(big.Int).Set(part.NetworkFee)
	sentForFee := new(big.Int).Set(part.Sent)
	excess := new(big.Int).Set(part.Received)

	// Only emulation suppresses excess double counting: a live trace is
	// reconciled one activity at a time.
	isExcessAccounted := isEmulation &&
		isActivityExcessAccounted(parsed, actionID, part, act.FromAddress)

	switch details := action.Details.(type) {
	case *models.TonTransferDetails:
		isPush := c.Cfg.PushAddress != "" && sameAddress(details.Destination, c.Cfg.PushAddress)
		if !isExcessAccounted && !isPush {
			v, _ := units.FromString(details.Value)
			sentForFee.Sub(sentForFee, v)
		}
	case *models.CallContractDetails:
		isPush := c.Cfg.PushAddress != "" && sameAddress(details.Destination, c.Cfg.PushAddress)
		if !isExcessAccounted && !isPush {
			v, _ := units.FromString(details.Value)
			sentForFee.Sub(sentForFee, v)
		}
	case *models.NftTransferDetails:
		if details.IsPurchase && details.Price != nil {
			price, _ := units.FromString(*details.Price)
			sentForFee.Sub(sentForFee, price)
		}
	case *models.StakeDepositDetails:
		amount, _ := units.FromString(details.Amount)
		sentForFee.Sub(sentForFee, amount)
	case *models.StakeWithdrawalDetails:
		amount, _ := units.FromString(details.Amount)
		excess.Sub(excess, amount)
	case *models.DexDepositLiquidityDetails:
		// A deposit is shown as one activity per deposited token, so the
		// trace totals are split between them.
		perAction := big.NewInt(liquidityDepositActivityCount(details))

		networkFee.Quo(parsed.TotalNetworkFee, perAction)
		sentForFee.Quo(parsed.TotalSent, perAction)
		excess.Quo(parsed.TotalReceived, perAction)

		if details.Asset1 == nil && details.Amount1 != nil {
			a, _ := units.FromString(*details.Amount1)
			sentForFee.Sub(sentForFee, a.Quo(a, perAction))
		} else if details.Asset2 == nil && details.Amount2 != nil {
			a, _ := units.FromString(*details.Amount2)
			sentForFee.Sub(sentForFee, a.Quo(a, perAction))
		}
	case *models.DexWithdrawLiquidityDetails:
		if details.Asset1 == nil {
			a, _ := units.FromString(details.Amount1)
			excess.Sub(excess, a)
		} else if details.Asset2 == nil {
			a, _ := units.FromString(details.Amount2)
			excess.Sub(excess, a)
		}
		two := big.NewInt(2)
		sentForFee.Quo(sentForFee, two)
		excess.Quo(excess, two)
	case *models.ContractDeployDetails, *models.JettonTransferDetails, *models.JettonBurnDetails,
		*models.JettonMintDetails, *models.NftMintDetails, *models.SwapDetails,
		*models.StakeWithdrawalRequestDetails, *models.AuctionBidDetails,
		*models.ChangeDnsDetails, *models.DeleteDnsDetails, *models.RenewDnsDetails,
		*models.SubscribeDetails, *models.UnsubscribeDetails:
		// No value adjustment: every coin the wallet sent counts toward the
		// fee until it comes back as excess.
	default:
		c.Log.WithFields(logrus.Fields{
			"action_id": action.ActionID,
			"type":      string(action.Type),
		}).Warn("unmodeled action type, no fee adjustment")
	}

	// A failed part carries zero sent and received.
	if !part.IsSuccess {
		sentForFee.SetInt64(0)
		excess.SetInt64(0)
	}

	realFee := new(big.Int).Add(networkFee, sentForFee)
	realFee.Sub(realFee, excess)
	if realFee.Sign() < 0 {
		c.Log.WithFields(logrus.Fields{
			"action_id": action.ActionID,
			"real_fee":  realFee.String(),
		}).Error("negative real fee for transaction")
	}

	updated := act.Clone()
	updated.Fee = models.Coins{Int: realFee}
	updated.ShouldLoadDetails = false

	reportedExcess := excess
	if isExcessAccounted {
		reportedExcess = big.NewInt(0)
	}

	return &DetailsResult{Activity: updated, SentForFee: sentForFee, Excess: reportedExcess}
}

// isActivityExcessAccounted reports whether another transfer action of the
// same part already returns value to the wallet, in which case this
// activity's excess would be counted twice. The destination is resolved
// through the address book on purpose: an unresolvable destination never
// matches.
func isActivityExcessAccounted(
	parsed *tracedata.ParsedTrace,
	actionID string,
	part *tracedata.Part,
	fromAddress string,
) bool {
	for _, other := range parsed.Actions {
		if other.ActionID == actionID {
			continue
		}
		var destination string
		switch details := other.Details.(type) {
		case *models.TonTransferDetails:
			destination = details.Destination
		case *models.CallContractDetails:
			destination = details.Destination
		default:
			continue
		}
		if part.Hashes.Intersect(mapset.NewSet(other.Transactions...)).Cardinality() == 0 {
			continue
		}
		if row, ok := parsed.AddressBook[destination]; ok && row.UserFriendly == fromAddress {
			return true
		}
	}
	return false
}

func liquidityDepositActivityCount(details *models.DexDepositLiquidityDetails) int64 {
	var n int64
	if details.Amount1 != nil {
		n++
	}
	if details.Amount2 != nil {
		n++
	}
	if n == 0 {
		return 1
	}
	return n
}

// RealFee extracts the reconciled fee of an activity in nanotons.
func RealFee(act models.Activity) (*big.Int, error) {
	switch a := act.(type) {
	case *models.SwapActivity:
		if a.NetworkFee == "" {
			return big.NewInt(0), nil
		}
		return units.FromDecimal(a.NetworkFee, units.TonDecimals)
	case *models.TransactionActivity:
		if a.Fee.Int == nil {
			return big.NewInt(0), nil
		}
		return a.Fee.Int, nil
	}
	return big.NewInt(0), nil
}

func ParseOpcode(s string) (uint64, error) {
	if rest, ok := strings.CutPrefix(s, "0x"); ok {
		return strconv.ParseUint(rest, 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

// sameAddress compares two addresses in any form (raw or user friendly) by
// workchain and account id, falling back to a string compare when either
// does not parse.
func sameAddress(a, b string) bool {
	pa, errA := parseAnyAddress(a)
	pb, errB := parseAnyAddress(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return pa.Workchain() == pb.Workchain() && bytes.Equal(pa.Data(), pb.Data())
}

func parseAnyAddress(s string) (*address.Address, error) {
	if strings.Contains(s, ":") {
		return address.ParseRawAddr(s)
	}
	return address.ParseAddr(s)
}
