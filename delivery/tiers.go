package delivery

import (
	"errors"
	"time"

	"github.com/xraph/notifly/broker"
)

// ErrMaxRetriesExceeded is reported when the final tier fails.
var ErrMaxRetriesExceeded = errors.New("delivery: max retries exceeded")

// Tier is one step of the retry schedule. A consumer of Topic holds each
// message until its publish time plus Delay.
type Tier struct {
	Topic string
	Delay time.Duration
}

// DefaultTiers returns the fixed backoff schedule. The number of tiers is the
// maximum number of delivery attempts.
func DefaultTiers() []Tier {
	return []Tier{
		{Topic: broker.TopicPrimary, Delay: 0},
		{Topic: broker.TopicRetry1s, Delay: time.Second},
		{Topic: broker.TopicRetry5s, Delay: 5 * time.Second},
		{Topic: broker.TopicRetry30s, Delay: 30 * time.Second},
	}
}
