package resilience

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

const jitterRatio = 0.25

// RandomSource yields uniformly distributed values in [0, 1).
type RandomSource interface {
	Float64() float64
}

// BackoffCalculator computes exponential delays with symmetric jitter.
type BackoffCalculator struct {
	random RandomSource
}

// NewBackoffCalculator wires a calculator. A nil source uses a time-seeded generator.
func NewBackoffCalculator(random RandomSource) *BackoffCalculator {
	if random == nil {
		random = newLockedRandom(time.Now().UnixNano())
	}
	return &BackoffCalculator{random: random}
}

// DelayFor returns initialDelayMs * multiplier^(attempt-1) with ±25% jitter, clamped to [0, maxDelayMs].
func (calculator *BackoffCalculator) DelayFor(attempt int, initialDelayMs int64, multiplier float64, maxDelayMs int64) int64 {
	if attempt < 1 {
		attempt = 1
	}
	if maxDelayMs <= 0 {
		return 0
	}
	base := float64(initialDelayMs) * math.Pow(multiplier, float64(attempt-1))
	jitter := base * jitterRatio * (2*calculator.random.Float64() - 1)
	delay := base + jitter
	if math.IsNaN(delay) || delay < 0 {
		return 0
	}
	if delay >= float64(maxDelayMs) {
		return maxDelayMs
	}
	return int64(delay)
}

// Delay applies DelayFor to a policy.
func (calculator *BackoffCalculator) Delay(attempt int, policy RetryPolicy) time.Duration {
	delayMs := calculator.DelayFor(attempt, policy.InitialDelayMs, policy.BackoffMultiplier, policy.MaxDelayMs)
	return time.Duration(delayMs) * time.Millisecond
}

// lockedRandom serialises access to a math/rand generator, which is not safe for concurrent use.
type lockedRandom struct {
	mu        sync.Mutex
	generator *rand.Rand
}

func newLockedRandom(seed int64) *lockedRandom {
	return &lockedRandom{generator: rand.New(rand.NewSource(seed))}
}

func (random *lockedRandom) Float64() float64 {
	random.mu.Lock()
	defer random.mu.Unlock()
	return random.generator.Float64()
}
