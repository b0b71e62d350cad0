package util

import "time"

// SkipThrottler reports at most one Ok per period, skipping the calls in between.
type SkipThrottler struct {
	d    time.Duration
	last time.Time
}

func NewSkipThrottler(d time.Duration) *SkipThrottler {
	tt := &SkipThrottler{d: d, last: time.Date(0, 0, 0, 0, 0, 0, 0, time.UTC)}
	return tt
}

func (tt *SkipThrottler) Ok() bool {
	return tt.OkAt(time.Now())
}

// OkAt is Ok at the given time.
func (tt *SkipThrottler) OkAt(now time.Time) bool {
	if now.Before(tt.last.Add(tt.d)) {
		return false
	}

	tt.last = now
	return true
}
