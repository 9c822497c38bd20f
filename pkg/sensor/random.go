package sensor

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Random simulates a sensor by drawing integers in [Min, Max) for each key.
type Random struct {
	Keys []string
	Min  int
	Max  int

	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandom(min, max int, keys ...string) *Random {
	return &Random{
		Keys: keys,
		Min:  min,
		Max:  max,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *Random) Read(ctx context.Context) (Values, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rng == nil {
		r.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	span := r.Max - r.Min
	if span < 1 {
		span = 1
	}
	v := make(Values, len(r.Keys))
	for _, k := range r.Keys {
		v[k] = float64(r.Min + r.rng.Intn(span))
	}
	return v, nil
}
