package channel

import (
	"context"

	"golang.org/x/time/rate"
)

const (
	// sendsPerSecond bounds outbound sends per channel. Telegram allows
	// roughly 30 msg/s bot-wide; one msg/s with a small burst keeps every
	// adapter comfortably inside platform limits.
	sendsPerSecond = 1
	sendBurst      = 5
)

// SendLimiter paces outbound sends for one channel. Safe for concurrent use.
type SendLimiter struct {
	limiter *rate.Limiter
}

// NewSendLimiter creates a limiter with the default pacing.
func NewSendLimiter() *SendLimiter {
	return &SendLimiter{limiter: rate.NewLimiter(rate.Limit(sendsPerSecond), sendBurst)}
}

// Wait blocks until a send slot is available or ctx is done.
func (s *SendLimiter) Wait(ctx context.Context) error {
	return s.limiter.Wait(ctx)
}
