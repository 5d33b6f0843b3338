package stress

import (
	"math/rand"
	"sync"
	"time"
)

// ArrivalScheduler produces the delay until the next open-loop dispatch.
// Static spaces dispatches exactly 1/rate apart; Poisson draws from an
// exponential distribution with mean 1/rate to model bursty real traffic.
type ArrivalScheduler struct {
	pattern ArrivalPattern

	mu  sync.Mutex
	rng *rand.Rand
}

func NewArrivalScheduler(pattern ArrivalPattern, seed int64) *ArrivalScheduler {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &ArrivalScheduler{
		pattern: pattern,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// NextDelay returns the sleep before the next dispatch at the given rate
// in requests per second.
func (s *ArrivalScheduler) NextDelay(rate float64) time.Duration {
	if rate <= 0 {
		return time.Second
	}
	switch s.pattern {
	case ArrivalPoisson:
		s.mu.Lock()
		x := s.rng.ExpFloat64()
		s.mu.Unlock()
		return time.Duration(x / rate * float64(time.Second))
	default:
		return time.Duration(float64(time.Second) / rate)
	}
}
