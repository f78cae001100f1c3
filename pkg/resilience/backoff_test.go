package resilience

import (
	"testing"
	"time"
)

const (
	delayMismatchMessage = "attempt %d: expected delay %d, got %d"
	initialDelayValue    = int64(1000)
	multiplierValue      = 2.0
	maxDelayValue        = int64(30000)
)

type fixedRandom float64

func (random fixedRandom) Float64() float64 {
	return float64(random)
}

func TestDelayForWithoutJitter(test *testing.T) {
	test.Parallel()
	calculator := NewBackoffCalculator(fixedRandom(0.5))
	testCases := []struct {
		attempt int
		want    int64
	}{
		{attempt: 0, want: 1000},
		{attempt: 1, want: 1000},
		{attempt: 2, want: 2000},
		{attempt: 3, want: 4000},
		{attempt: 5, want: 16000},
		{attempt: 6, want: maxDelayValue},
		{attempt: 20, want: maxDelayValue},
	}
	for _, testCase := range testCases {
		got := calculator.DelayFor(testCase.attempt, initialDelayValue, multiplierValue, maxDelayValue)
		if got != testCase.want {
			test.Fatalf(delayMismatchMessage, testCase.attempt, testCase.want, got)
		}
	}
}

func TestDelayForJitterBounds(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name   string
		random float64
		want   int64
	}{
		{name: "lowest jitter", random: 0, want: 750},
		{name: "highest jitter", random: 0.999999, want: 1249},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			calculator := NewBackoffCalculator(fixedRandom(testCase.random))
			got := calculator.DelayFor(1, initialDelayValue, multiplierValue, maxDelayValue)
			if got != testCase.want {
				test.Fatalf(delayMismatchMessage, 1, testCase.want, got)
			}
		})
	}
}

func TestDelayForClampsToRange(test *testing.T) {
	test.Parallel()
	calculator := NewBackoffCalculator(fixedRandom(0.999))
	if got := calculator.DelayFor(1, 5000, 2, 4000); got != 4000 {
		test.Fatalf("expected clamp to max delay, got %d", got)
	}
	if got := calculator.DelayFor(1, 1000, 2, 0); got != 0 {
		test.Fatalf("expected zero when max delay is zero, got %d", got)
	}
	if got := calculator.DelayFor(3, 0, 2, 1000); got != 0 {
		test.Fatalf("expected zero delay for zero initial delay, got %d", got)
	}
}

func TestDelayForGrowsWithAttempt(test *testing.T) {
	test.Parallel()
	for _, random := range []float64{0, 0.3, 0.5, 0.99} {
		calculator := NewBackoffCalculator(fixedRandom(random))
		previous := calculator.DelayFor(1, 100, 1.5, 60000)
		for attempt := 2; attempt <= 15; attempt++ {
			current := calculator.DelayFor(attempt, 100, 1.5, 60000)
			if current < previous {
				test.Fatalf("random %v: attempt %d delay %d below previous %d", random, attempt, current, previous)
			}
			if current > 60000 {
				test.Fatalf("random %v: attempt %d delay %d above max", random, attempt, current)
			}
			previous = current
		}
	}
}

func TestDelayForDefaultSourceStaysInBounds(test *testing.T) {
	test.Parallel()
	calculator := NewBackoffCalculator(nil)
	for iteration := 0; iteration < 200; iteration++ {
		got := calculator.DelayFor(2, initialDelayValue, multiplierValue, maxDelayValue)
		if got < 1500 || got > 2500 {
			test.Fatalf("delay %d outside jitter band", got)
		}
	}
}

func TestDelayUsesPolicy(test *testing.T) {
	test.Parallel()
	calculator := NewBackoffCalculator(fixedRandom(0.5))
	got := calculator.Delay(2, DefaultRetryPolicy())
	if got != 2*time.Second {
		test.Fatalf("expected 2s, got %s", got)
	}
}
