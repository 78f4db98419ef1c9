package activity

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/toncenter/ton-wallet-engine/engine/models"
	"github.com/toncenter/ton-wallet-engine/engine/tracedata"
)

const (
	traceAttemptCount = 5
	traceRetryDelay   = time.Second
)

// TraceSource fetches traces by normalized external message hash. Returns a
// nil trace when none exists yet.
type TraceSource interface {
	FetchTrace(ctx context.Context, msgHashNorm string, isPending bool) (*models.Trace, models.AddressBook, error)
}

type Service struct {
	Traces     TraceSource
	Calculator *Calculator
	Log        *logrus.Logger
}

func NewService(traces TraceSource, calc *Calculator, log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{Traces: traces, Calculator: calc, Log: log}
}

// FetchAndParseTrace loads the trace for a normalized message hash and
// reconciles it for the wallet. A nil result with nil error means the trace
// is not available yet.
func (s *Service) FetchAndParseTrace(
	ctx context.Context,
	walletAddress, msgHashNorm string,
	isPending bool,
) (*tracedata.ParsedTrace, error) {
	trace, book, err := s.Traces.FetchTrace(ctx, msgHashNorm, isPending)
	if err != nil {
		return nil, err
	}
	if trace == nil {
		return nil, nil
	}
	return tracedata.Parse(walletAddress, trace, book)
}

// FetchActivityDetails resolves the real fee of a single activity. The trace
// can be unavailable right after the action arrives, so a few delayed
// retries are made. Returns nil when the trace never showed up; the caller
// keeps the estimated fee in that case.
func (s *Service) FetchActivityDetails(
	ctx context.Context,
	walletAddress string,
	act models.Activity,
) (models.Activity, error) {
	isPending := false
	if t, ok := act.(*models.TransactionActivity); ok {
		isPending = t.Status == models.ActivityPending
	} else if sw, ok := act.(*models.SwapActivity); ok {
		isPending = sw.Status == models.ActivityPending
	}

	for attempt := 0; attempt < traceAttemptCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(traceRetryDelay):
			}
		}

		parsed, err := s.FetchAndParseTrace(ctx, walletAddress, act.ExternalHashNorm(), isPending)
		if err != nil {
			return nil, err
		}
		if parsed == nil {
			continue
		}

		if result, ok := s.Calculator.CalculateDetails(act, parsed, false); ok {
			return result.Activity, nil
		}
	}

	s.Log.WithField("activity_id", act.ActivityID()).Debug("trace unavailable for activity")
	return nil, nil
}
