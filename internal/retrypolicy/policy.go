// Package retrypolicy classifies an error+item pair into a decision:
// retry with an incremented attempt counter, retry via a non-counting
// skip-until gate, or terminal failure (spec §4.3).
package retrypolicy

import (
	"errors"
	"math"
	"time"

	"github.com/reelforge/core/internal/model"
	"github.com/reelforge/core/internal/pipelineerr"
)

// Mode distinguishes the two retry-gate mechanisms.
type Mode string

const (
	ModeNextRetryAt Mode = "nextRetryAt" // counts an attempt
	ModeSkipUntil   Mode = "skipUntil"   // does not count an attempt
	ModeTerminal    Mode = "terminal"    // no retry, item fails
)

// Decision is the outcome of classifying one error against one item.
type Decision struct {
	Mode   Mode
	At     time.Time // effective time for nextRetryAt or skipUntil
	Reason string
}

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Policy implements the decision table in spec §4.3.
type Policy struct {
	Now Clock
}

// New returns a Policy using the system clock.
func New() *Policy {
	return &Policy{Now: time.Now}
}

// Decide classifies err for item and returns the recovery decision. The
// caller (orchestrator.handleError) is responsible for applying the
// decision to the item and appending the error history entry.
func (p *Policy) Decide(item *model.Item, err error) Decision {
	now := p.Now()
	kind, serviceTag, retryAfterSeconds := classify(err)

	switch kind {
	case pipelineerr.KindNetworkTimeout, pipelineerr.KindNetworkRefused:
		delay := expBackoff(60*time.Second, item.Attempts, time.Hour)
		if serviceTag != "" {
			return Decision{Mode: ModeSkipUntil, At: now.Add(delay), Reason: "network error attributed to " + serviceTag}
		}
		return Decision{Mode: ModeNextRetryAt, At: now.Add(delay), Reason: "network error"}

	case pipelineerr.KindRateLimited:
		delay := 5 * time.Minute
		if retryAfterSeconds > 0 {
			delay = time.Duration(retryAfterSeconds) * time.Second
		}
		return Decision{Mode: ModeSkipUntil, At: now.Add(delay), Reason: "rate limited"}

	case pipelineerr.KindServiceUnavailable:
		return Decision{Mode: ModeSkipUntil, At: now.Add(5 * time.Minute), Reason: "service unavailable"}

	case pipelineerr.KindEncoderUnavailable:
		return Decision{Mode: ModeSkipUntil, At: now.Add(5 * time.Minute), Reason: "no encoder available"}

	case pipelineerr.KindAuthStale:
		return Decision{Mode: ModeNextRetryAt, At: now, Reason: "auth stale, cached credentials cleared"}

	case pipelineerr.KindDownloadStalled, pipelineerr.KindEncodingStalled:
		return Decision{Mode: ModeNextRetryAt, At: now.Add(30 * time.Second), Reason: "stalled, no progress"}

	case pipelineerr.KindDiskFull, pipelineerr.KindValidation:
		return Decision{Mode: ModeTerminal, Reason: string(kind)}

	case pipelineerr.KindNotFound:
		delay := expBackoff(5*time.Minute, item.Attempts, 6*time.Hour)
		return Decision{Mode: ModeNextRetryAt, At: now.Add(delay), Reason: "not found"}

	default:
		delay := expBackoff(time.Minute, item.Attempts, time.Hour)
		return Decision{Mode: ModeNextRetryAt, At: now.Add(delay), Reason: "unknown error"}
	}
}

// AttemptsExhausted reports whether item has reached its max-attempts cap,
// in which case any ModeNextRetryAt decision must be escalated to terminal
// failure regardless of kind (spec §8 property 5).
func AttemptsExhausted(item *model.Item) bool {
	return item.Attempts >= item.MaxAttempts
}

// expBackoff mirrors the teacher's reconnect-delay shape: base * 2^attempts,
// capped at max.
func expBackoff(base time.Duration, attempts int, max time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempts)))
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

// classify extracts the error kind, optional service tag, and an optional
// retry-after hint from err. ClassifiedError carries these explicitly;
// any other error is treated as KindUnknown.
func classify(err error) (kind pipelineerr.ErrorKind, serviceTag string, retryAfterSeconds int) {
	var ce *pipelineerr.ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind, ce.ServiceTag, ce.RetryAfter
	}
	return pipelineerr.KindUnknown, "", 0
}
