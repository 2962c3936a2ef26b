// Package scan slides a window over an input stream and reports every AES key
// schedule found in it, exact or reconstructed.
package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/Voornaamenachternaam/keysift/internal/aeskey"
	"github.com/Voornaamenachternaam/keysift/internal/entropy"
)

const (
	// WindowSize is the largest schedule length. It is also the number of
	// bytes carried over from one chunk to the next.
	WindowSize = aeskey.MaxScheduleLen

	DefaultChunkSize      = 10 * 1024 * 1024
	DefaultMaxCorrections = 4
)

// Options configures a Scanner.
type Options struct {
	// ChunkSize is the number of bytes read from the input at a time.
	ChunkSize int
	// Sizes lists the key sizes to look for. They are always tried in
	// ascending order. Empty means all.
	Sizes []aeskey.KeySize
	// Reconstruct enables repair of windows that fail validation.
	Reconstruct bool
	// MaxCorrections bounds the number of bytes a reconstruction may change.
	MaxCorrections int
	// MaxAnchors limits the anchors tried per size; 0 tries all of them.
	MaxAnchors int
	// EntropyThreshold is the per-value repetition limit of the entropy gate.
	EntropyThreshold int
	Logger           *logrus.Logger
}

// DefaultOptions returns the options used by the command line tool.
func DefaultOptions() Options {
	return Options{
		ChunkSize:        DefaultChunkSize,
		Sizes:            aeskey.KeySizes,
		Reconstruct:      true,
		MaxCorrections:   DefaultMaxCorrections,
		EntropyThreshold: entropy.DefaultThreshold,
	}
}

// gate pairs a key size with its rolling entropy state. Each size gets a
// window exactly as long as its schedule.
type gate struct {
	size    aeskey.KeySize
	n       int64
	state   *entropy.State
	anchors []aeskey.Anchor
}

// Scanner owns the chunk buffer and entropy state for one input at a time.
// It is not safe for concurrent use; run one Scanner per worker.
type Scanner struct {
	opts  Options
	log   *logrus.Logger
	gates []gate
	// minLen is the shortest schedule among the enabled sizes.
	minLen int64
	buf    []byte
}

// New validates opts and returns a Scanner.
func New(opts Options) (*Scanner, error) {
	if opts.ChunkSize < 1 {
		return nil, fmt.Errorf("chunk size must be positive: %d", opts.ChunkSize)
	}
	if opts.MaxCorrections < 0 || opts.MaxCorrections > aeskey.MaxCorrectionsLimit {
		return nil, fmt.Errorf("max corrections out of bounds (0-%d): %d", aeskey.MaxCorrectionsLimit, opts.MaxCorrections)
	}
	if opts.MaxAnchors < 0 {
		return nil, fmt.Errorf("max anchors must not be negative: %d", opts.MaxAnchors)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	sizes := slices.Clone(opts.Sizes)
	if len(sizes) == 0 {
		sizes = slices.Clone(aeskey.KeySizes)
	}
	slices.Sort(sizes)
	sizes = slices.Compact(sizes)

	s := &Scanner{opts: opts, log: opts.Logger, minLen: WindowSize}
	for _, size := range sizes {
		if !size.Valid() {
			return nil, fmt.Errorf("invalid key size: %v", size)
		}
		st, err := entropy.New(size.ScheduleLen(), opts.EntropyThreshold)
		if err != nil {
			return nil, err
		}
		anchors := aeskey.Anchors(size)
		if opts.MaxAnchors > 0 && opts.MaxAnchors < len(anchors) {
			anchors = anchors[:opts.MaxAnchors]
		}
		n := int64(size.ScheduleLen())
		s.gates = append(s.gates, gate{size: size, n: n, state: st, anchors: anchors})
		s.minLen = min(s.minLen, n)
	}
	s.opts.Sizes = sizes
	return s, nil
}

// Options returns the normalized options the scanner runs with.
func (s *Scanner) Options() Options { return s.opts }

// cursor tracks progress through one input.
type cursor struct {
	name string
	// base is the absolute offset of buf[0].
	base int64
	// next is the next window start to visit.
	next int64
	// skip suppresses findings that would overlap the previous one.
	skip int64
}

// Scan reads r to the end and hands every finding to sink. Offsets are
// absolute positions in r. The context is checked between chunks; on
// cancellation the scan stops and ctx.Err() is returned with the stats
// gathered so far.
func (s *Scanner) Scan(ctx context.Context, name string, r io.Reader, sink Sink) (Stats, error) {
	for _, g := range s.gates {
		g.state.Reset()
	}
	if s.buf == nil {
		s.buf = make([]byte, s.opts.ChunkSize+WindowSize)
	}

	var st Stats
	c := cursor{name: name}
	fill := 0
	for {
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		default:
		}

		n, err := io.ReadFull(r, s.buf[fill:fill+s.opts.ChunkSize])
		fill += n
		st.Bytes += int64(n)
		final := false
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			final = true
		default:
			return st, fmt.Errorf("read %s at offset %d: %w", name, c.base+int64(fill), err)
		}

		s.sweep(&c, s.buf[:fill], final, sink, &st)
		if final {
			return st, nil
		}
		s.log.WithFields(logrus.Fields{
			"file":   name,
			"offset": c.base + int64(fill),
		}).Debug("chunk scanned")

		// keep everything from the next unvisited window on
		keep := int(c.next - c.base)
		fill = copy(s.buf, s.buf[keep:fill])
		c.base = c.next
	}
}

// sweep visits every window start that can be decided with the bytes in buf.
// Before the end of the stream a start p is decided once p+WindowSize < end,
// which guarantees every gate can slide past it. At the end of the stream a
// start is visited as long as the shortest schedule still fits.
func (s *Scanner) sweep(c *cursor, buf []byte, final bool, sink Sink, st *Stats) {
	end := c.base + int64(len(buf))
	limit := end - WindowSize
	if final {
		limit = end - s.minLen + 1
	}
	for p := c.next; p < limit; p++ {
		s.visit(c, buf, p, end, sink, st)
	}
	c.next = max(c.next, limit)
}

func (s *Scanner) visit(c *cursor, buf []byte, p, end int64, sink Sink, st *Stats) {
	st.Windows++
	i := p - c.base
	found := false
	for _, g := range s.gates {
		if p+g.n > end {
			// only reachable on the final chunk; this size is finished
			continue
		}
		win := buf[i : i+g.n]
		if !g.state.Seeded() {
			g.state.Seed(win)
		}
		if !found && p >= c.skip {
			if !g.state.Admits() {
				st.Filtered++
			} else if f, ok := s.try(win, g, st); ok {
				f.Source = c.name
				f.Offset = p
				s.emit(f, sink, st)
				c.skip = p + g.n
				found = true
			}
		}
		if p+g.n < end {
			g.state.Slide(buf[i], buf[i+g.n])
		}
	}
}

func (s *Scanner) try(win []byte, g gate, st *Stats) (Finding, bool) {
	st.Validated++
	if sched, ok := aeskey.Validate(win, g.size); ok {
		return Finding{Size: g.size, Schedule: sched}, true
	}
	if !s.opts.Reconstruct {
		return Finding{}, false
	}
	r, ok := aeskey.ReconstructWith(win, g.size, s.opts.MaxCorrections, g.anchors)
	if !ok {
		return Finding{}, false
	}
	return Finding{Size: g.size, Schedule: r.Schedule, Correction: r.Correction, Anchor: r.Anchor}, true
}

func (s *Scanner) emit(f Finding, sink Sink, st *Stats) {
	st.Found++
	if f.Reconstructed() {
		st.Reconstructed++
	}
	fields := logrus.Fields{
		"file":   f.Source,
		"offset": fmt.Sprintf("%#x", f.Offset),
		"size":   f.Size.String(),
	}
	if f.Reconstructed() {
		fields["corrections"] = len(f.Correction)
		fields["anchor"] = f.Anchor.String()
	}
	s.log.WithFields(fields).Debug("key schedule found")
	if sink == nil {
		return
	}
	if err := sink.Found(f); err != nil {
		st.SinkErrors++
		s.log.WithFields(fields).Errorf("handling finding failed: %v", err)
	}
}
