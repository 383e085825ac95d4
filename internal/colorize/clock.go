package colorize

import "time"

// Clock is the monotonic time source driving rotations
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}
