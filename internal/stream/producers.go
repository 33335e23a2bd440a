package stream

import (
	"math/rand"
	"time"
)

// Ticker returns a producer that emits an increasing tick count at the
// given interval, forever.
func Ticker(interval time.Duration) Producer {
	return Func(func(obs Observer) Subscription {
		a := newActivation(obs)
		go func() {
			t := time.NewTicker(interval)
			defer t.Stop()
			var n int64
			for {
				select {
				case <-a.stop:
					return
				case <-t.C:
					n++
					a.next(n)
				}
			}
		}()
		return a
	})
}

// RandomWalk returns a producer that emits samples of a bounded random
// walk starting midway between min and max. Each activation walks
// independently.
func RandomWalk(interval time.Duration, step, min, max float64) Producer {
	return Func(func(obs Observer) Subscription {
		a := newActivation(obs)
		go func() {
			rng := rand.New(rand.NewSource(time.Now().UnixNano()))
			t := time.NewTicker(interval)
			defer t.Stop()
			value := (min + max) / 2
			for {
				select {
				case <-a.stop:
					return
				case <-t.C:
					value += (rng.Float64()*2 - 1) * step
					if value < min {
						value = min
					}
					if value > max {
						value = max
					}
					a.next(value)
				}
			}
		}()
		return a
	})
}

// Counter returns a producer that emits 0 through limit-1 at the given
// interval, then completes.
func Counter(interval time.Duration, limit int) Producer {
	return Func(func(obs Observer) Subscription {
		a := newActivation(obs)
		go func() {
			t := time.NewTicker(interval)
			defer t.Stop()
			for i := 0; i < limit; i++ {
				select {
				case <-a.stop:
					return
				case <-t.C:
					a.next(i)
				}
			}
			a.complete()
		}()
		return a
	})
}
