// Package limiter implements per-session inbound message rate limiting: one
// token bucket (golang.org/x/time/rate) per open session, guarding how fast
// a single client's messages are admitted into its mailbox.
package limiter

import (
	"golang.org/x/time/rate"
)

// Config holds the token bucket parameters for a session's inbound limiter.
type Config struct {
	// MessagesPerSecond is the sustained rate of inbound messages allowed.
	MessagesPerSecond float64
	// Burst is the number of messages allowed in a single instant above the
	// sustained rate.
	Burst int
}

// DefaultConfig allows a sustained 20 messages per second with bursts of 40.
func DefaultConfig() Config {
	return Config{MessagesPerSecond: 20, Burst: 40}
}

// Limiter is a single session's inbound message rate limiter.
type Limiter struct {
	bucket *rate.Limiter
}

// New builds a Limiter from cfg.
func New(cfg Config) *Limiter {
	return &Limiter{bucket: rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.Burst)}
}

// Allow reports whether another inbound message may be processed now. A
// caller that gets false should drop or delay the message rather than
// queue it, to keep a single abusive client from growing its own mailbox
// unbounded.
func (l *Limiter) Allow() bool {
	return l.bucket.Allow()
}
