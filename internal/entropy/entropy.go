// Package entropy is the cheap pre-filter run before key schedule validation.
//
// A State keeps a byte histogram of a fixed-size window that slides over the
// input one byte at a time. Expanded key material has close to uniform byte
// frequencies, so a window in which any single value repeats more than a few
// times (padding, text, tables) is not worth validating.
package entropy

import (
	"fmt"

	"github.com/Voornaamenachternaam/keysift/internal/aeskey"
)

const (
	// DefaultThreshold is the largest number of occurrences of a single
	// byte value that a window may contain and still be admitted.
	DefaultThreshold = 8
	// DefaultWindow is the length of an AES-256 key schedule.
	DefaultWindow = aeskey.MaxScheduleLen
)

// State is the rolling histogram for one window length. It is owned by a
// single scanner and must be Reset before a new input is scanned. It is not
// safe for concurrent use.
type State struct {
	window    int
	threshold int
	counts    [256]uint16
	// over is the number of byte values whose count exceeds threshold,
	// which makes Admits O(1).
	over   int
	seeded bool
}

// New returns a State for windows of the given length. A threshold below
// one is replaced with DefaultThreshold.
func New(window, threshold int) (*State, error) {
	if window < 1 || window > 1<<16-1 {
		return nil, fmt.Errorf("entropy window out of bounds (1-%d): %d", 1<<16-1, window)
	}
	if threshold < 1 {
		threshold = DefaultThreshold
	}
	return &State{window: window, threshold: threshold}, nil
}

// Window is the window length in bytes.
func (s *State) Window() int { return s.window }

// Threshold is the per-value repetition limit.
func (s *State) Threshold() int { return s.threshold }

// Reset clears the histogram. The next Seed starts a new input.
func (s *State) Reset() {
	s.counts = [256]uint16{}
	s.over = 0
	s.seeded = false
}

// Seeded reports whether Seed was called since the last Reset.
func (s *State) Seeded() bool { return s.seeded }

// Seed recounts the histogram from scratch over win, which must be exactly
// one window long.
func (s *State) Seed(win []byte) {
	if len(win) != s.window {
		panic(fmt.Sprintf("entropy: seed of %d bytes for a %d byte window", len(win), s.window))
	}
	s.Reset()
	for _, b := range win {
		s.inc(b)
	}
	s.seeded = true
}

// Slide moves the window one byte to the right: out is the byte leaving at
// the front, in is the byte entering at the back.
func (s *State) Slide(out, in byte) {
	if out == in {
		return
	}
	s.dec(out)
	s.inc(in)
}

// Admits reports whether no byte value occurs more than Threshold times in
// the current window.
func (s *State) Admits() bool { return s.over == 0 }

// Count returns how often b occurs in the current window.
func (s *State) Count(b byte) int { return int(s.counts[b]) }

func (s *State) inc(b byte) {
	s.counts[b]++
	if int(s.counts[b]) == s.threshold+1 {
		s.over++
	}
}

func (s *State) dec(b byte) {
	if int(s.counts[b]) == s.threshold+1 {
		s.over--
	}
	s.counts[b]--
}

// Admits reports whether win, taken on its own, passes a gate with the given
// threshold. It is the from-scratch counterpart of State.
func Admits(win []byte, threshold int) bool {
	var counts [256]int
	for _, b := range win {
		counts[b]++
		if counts[b] > threshold {
			return false
		}
	}
	return true
}
