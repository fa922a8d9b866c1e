package scraper

import "time"

// Backoff computes the retry delay after consecutive failures.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns 0 for n <= 0, otherwise Base*2^(n-1) capped at Max.
func (b Backoff) Delay(n int) time.Duration {
	if n <= 0 || b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 1; i < n; i++ {
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
		if d > time.Duration(1<<62)/2 {
			break
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
