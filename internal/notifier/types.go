package notifier

import (
	"errors"
	"time"
)

var (
	ErrStopped   = errors.New("notifier stopped")
	ErrQueueFull = errors.New("notifier queue full")
)

type Config struct {
	Workers       int
	QueueSize     int
	RatePerSec    float64
	Burst         int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	DedupWindow   time.Duration
	PersistDedup  bool

	// BreakerFailures consecutive failures open the breaker for
	// BreakerCooldown.
	BreakerFailures int
	BreakerCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	if c.Burst <= 0 {
		c.Burst = int(c.RatePerSec)
		if c.Burst < 1 {
			c.Burst = 1
		}
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.BreakerFailures <= 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}

// Event is the bus payload for notify.* events.
type Event struct {
	ChatID int64  `json:"chat_id"`
	Key    string `json:"key,omitempty"`
	Error  string `json:"error,omitempty"`
}

type Stats struct {
	Sent     uint64 `json:"sent"`
	Failed   uint64 `json:"failed"`
	Dropped  uint64 `json:"dropped"`
	Deduped  uint64 `json:"deduped"`
	QueueLen int    `json:"queue_len"`
	Breaker  string `json:"breaker"`
}

// Outcome labels passed to Service.OnOutcome.
const (
	OutcomeSent    = "sent"
	OutcomeFailed  = "failed"
	OutcomeDropped = "dropped"
	OutcomeDeduped = "deduped"
)
