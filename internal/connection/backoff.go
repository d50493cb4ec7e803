package connection

import (
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	backoffMultiplier     = 2.0
	backoffJitter         = 0.25
)

// BackoffConfig tunes how fast a lost identity is re-bound.
type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration
	// Jitter is the maximum extra delay as a fraction of the base delay.
	Jitter float64
}

// Backoff computes exponential delays with jitter.
type Backoff struct {
	mu       sync.Mutex
	current  time.Duration
	max      time.Duration
	jitter   float64
	attempts int
	rng      *rand.Rand
}

func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = DefaultInitialBackoff
	}
	if cfg.Max <= 0 {
		cfg.Max = DefaultMaxBackoff
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}

	return &Backoff{
		current: cfg.Initial,
		max:     cfg.Max,
		jitter:  cfg.Jitter,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay to wait now and advances the sequence.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.current
	if b.jitter > 0 {
		delay += time.Duration(float64(b.current) * b.jitter * b.rng.Float64())
	}

	b.attempts++
	next := time.Duration(float64(b.current) * backoffMultiplier)
	if next > b.max {
		next = b.max
	}
	b.current = next

	return delay
}

func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
