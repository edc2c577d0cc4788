package activitypub

import "time"

// Clock is injected into every component with time-dependent behavior
// (key cache TTL, actor cache freshness, retry scheduling) so tests can
// advance time synthetically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock used outside of tests.
var SystemClock Clock = systemClock{}
