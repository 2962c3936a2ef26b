// Package report prints findings in the human-readable format of the
// command line tool.
package report

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/Voornaamenachternaam/keysift/internal/scan"
	"github.com/Voornaamenachternaam/keysift/internal/source"
)

// Reporter writes to one stream. Each call writes a complete record under a
// lock, so workers scanning different files never interleave inside one.
type Reporter struct {
	mu sync.Mutex
	w  io.Writer
}

func New(w io.Writer) *Reporter {
	return &Reporter{w: w}
}

// Searching announces the start of an input.
func (r *Reporter) Searching(name string, format source.Format) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	if format == "" || format == source.Raw {
		_, err = fmt.Fprintf(r.w, "Searching %s\n", name)
	} else {
		_, err = fmt.Fprintf(r.w, "Searching %s (%s, offsets are in the decoded stream)\n", name, format)
	}
	return err
}

// Found prints one finding. It implements scan.Sink.
func (r *Reporter) Found(f scan.Finding) error {
	var b strings.Builder
	if f.Reconstructed() {
		fmt.Fprintf(&b, "Reconstructed %s key schedule at offset %#x (%d corrected bytes):\n",
			f.Size, f.Offset, len(f.Correction))
	} else {
		fmt.Fprintf(&b, "Found %s key schedule at offset %#x:\n", f.Size, f.Offset)
	}
	b.WriteString(HexBytes(f.Key()))
	b.WriteByte('\n')
	for _, fix := range f.Correction {
		fmt.Fprintf(&b, "  corrected %#x: %02x -> %02x\n", f.Offset+int64(fix.Offset), fix.Was, fix.Now)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := io.WriteString(r.w, b.String())
	return err
}

// HexBytes formats b as two-digit lower-case hex bytes separated by spaces.
func HexBytes(b []byte) string {
	var sb strings.Builder
	sb.Grow(3 * len(b))
	for i, c := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02x", c)
	}
	return sb.String()
}
