package util

import (
	"testing"
	"time"
)

func TestSkipThrottler(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		offset time.Duration
		ok     bool
	}{
		{offset: 0, ok: true},
		{offset: time.Second, ok: false},
		{offset: 9 * time.Second, ok: false},
		{offset: 10 * time.Second, ok: true},
		{offset: 15 * time.Second, ok: false},
		{offset: 21 * time.Second, ok: true},
	}
	tt := NewSkipThrottler(10 * time.Second)
	for _, test := range tests {
		if ok := tt.OkAt(start.Add(test.offset)); ok != test.ok {
			t.Fatalf("%v %t, expected %t", test.offset, ok, test.ok)
		}
	}
}
