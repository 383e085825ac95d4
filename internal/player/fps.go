package player

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

const maxFPS = 240

// FPS is the render rate of the front end, parsed from "60" or "60fps"
type FPS int

func (f *FPS) UnmarshalText(text []byte) error {
	text = bytes.TrimSuffix(bytes.ToLower(text), []byte("fps"))

	n, err := strconv.Atoi(string(text))
	if err != nil {
		return fmt.Errorf("fps must be integer with optional suffix fps")
	}

	if n <= 0 || n > maxFPS {
		return fmt.Errorf("fps must be between 1 and %d", maxFPS)
	}

	*f = FPS(n)
	return nil
}

// Interval is the time between two renders
func (f FPS) Interval() time.Duration {
	return time.Second / time.Duration(f)
}
