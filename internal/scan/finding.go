package scan

import (
	"github.com/Voornaamenachternaam/keysift/internal/aeskey"
)

// Finding is one key schedule located in an input.
type Finding struct {
	// Source names the input the schedule was found in.
	Source string
	// Offset is the absolute offset of the first schedule byte.
	Offset int64
	Size   aeskey.KeySize
	// Schedule is the validated or reconstructed schedule.
	Schedule aeskey.Schedule
	// Correction is empty unless the window had to be repaired. Its offsets
	// are relative to Offset.
	Correction aeskey.Correction
	// Anchor is set for reconstructed findings.
	Anchor aeskey.Anchor
}

// Key returns the raw AES key bytes of the finding.
func (f *Finding) Key() []byte { return f.Schedule.Key() }

// Reconstructed reports whether bytes had to be corrected.
func (f *Finding) Reconstructed() bool { return len(f.Correction) > 0 }

// Sink receives findings as soon as they are made. A Sink error is logged
// and does not stop the scan.
type Sink interface {
	Found(f Finding) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(f Finding) error

func (fn SinkFunc) Found(f Finding) error { return fn(f) }

// Sinks fans a finding out to several sinks and returns the first error.
// Every sink sees the finding even if an earlier one failed.
type Sinks []Sink

func (s Sinks) Found(f Finding) error {
	var first error
	for _, sink := range s {
		if err := sink.Found(f); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Stats summarizes one scan.
type Stats struct {
	Bytes int64
	// Windows counts window start offsets visited.
	Windows int64
	// Filtered counts (offset, size) pairs skipped by the entropy gate.
	Filtered      int64
	Validated     int64
	Found         int
	Reconstructed int
	SinkErrors    int
}
