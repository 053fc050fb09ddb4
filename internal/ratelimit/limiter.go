// Package ratelimit implements rolling-window send limits. A window admits at
// most limit events in any interval of length window; an event recorded at t
// stops counting at exactly t+window.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

type Limiter interface {
	// Reserve records one event at now when the window has room and returns
	// zero. Otherwise nothing is recorded and the returned duration is how
	// long until the oldest event leaves the window.
	Reserve(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (time.Duration, error)
	// Count is the number of events currently inside the window.
	Count(ctx context.Context, key string, window time.Duration, now time.Time) (int, error)
	Reset(ctx context.Context, key string) error
}

func MinuteKey(accountID string) string { return fmt.Sprintf("acct:%s:minute", accountID) }

func DayKey(accountID string) string { return fmt.Sprintf("acct:%s:day", accountID) }
