package aeskey

import (
	"fmt"
	"math/bits"
)

// MaxCorrectionsLimit caps the correction budget accepted by Reconstruct.
// Past this point a random window starts to have a measurable chance of
// being "repaired" into a schedule that was never there.
const MaxCorrectionsLimit = 16

// Anchor names a run of Nk consecutive schedule words that a reconstruction
// attempt assumes to be intact. Every other word is derived from it.
type Anchor struct {
	// Word is the index of the first word of the run.
	Word int
}

func (a Anchor) String() string {
	return fmt.Sprintf("anchor@word%d", a.Word)
}

// Offset is the byte offset of the anchor inside the schedule.
func (a Anchor) Offset() int { return 4 * a.Word }

var anchorsBySize = func() (t [3][]Anchor) {
	for _, size := range KeySizes {
		nk := size.Nk()
		for w := 0; w+nk <= size.Words(); w += nk {
			t[size] = append(t[size], Anchor{Word: w})
		}
	}
	return t
}()

// Anchors returns the disjoint Nk-word anchors of a schedule, earliest first.
// AES-128 has 11, AES-192 has 8 and AES-256 has 7. The returned slice must
// not be modified.
func Anchors(size KeySize) []Anchor {
	if !size.Valid() {
		return nil
	}
	return anchorsBySize[size]
}

// ByteFix records one byte of the scanned window that was replaced to obtain
// a consistent schedule.
type ByteFix struct {
	// Offset is relative to the start of the window.
	Offset int
	Was    byte
	Now    byte
}

// Correction is the set of byte fixes applied by a reconstruction, ordered by
// offset. An empty Correction means the window was already valid.
type Correction []ByteFix

// Offsets lists the corrected window offsets.
func (c Correction) Offsets() []int {
	out := make([]int, len(c))
	for i, f := range c {
		out[i] = f.Offset
	}
	return out
}

// Reconstruction is the result of a successful Reconstruct call.
type Reconstruction struct {
	Schedule   Schedule
	Anchor     Anchor
	Correction Correction
}

// Reconstruct tries to recover a key schedule of the given size from a
// window in which at most maxCorrections bytes are damaged.
//
// Given any Nk consecutive correct words, the recurrence fixes every other
// word: forwards directly, backwards by moving the mix term to the other side
// of the XOR. Each anchor from Anchors(size) is tried in order; the schedule
// derived from it is compared with the window and accepted if no more than
// maxCorrections bytes differ. The window is never modified.
func Reconstruct(window []byte, size KeySize, maxCorrections int) (Reconstruction, bool) {
	return ReconstructWith(window, size, maxCorrections, Anchors(size))
}

// ReconstructWith is Reconstruct restricted to the given anchors, which are
// tried in slice order. Anchors that do not fit in the schedule are skipped.
func ReconstructWith(window []byte, size KeySize, maxCorrections int, anchors []Anchor) (Reconstruction, bool) {
	if !size.Valid() || len(window) < size.ScheduleLen() {
		return Reconstruction{}, false
	}
	if maxCorrections < 0 {
		maxCorrections = 0
	}
	if maxCorrections > MaxCorrectionsLimit {
		maxCorrections = MaxCorrectionsLimit
	}
	for _, a := range anchors {
		if a.Word < 0 || a.Word+size.Nk() > size.Words() {
			continue
		}
		s, ok := deriveFromAnchor(window, size, a.Word, maxCorrections)
		if !ok {
			continue
		}
		return Reconstruction{
			Schedule:   s,
			Anchor:     a,
			Correction: diff(window, s.Bytes()),
		}, true
	}
	return Reconstruction{}, false
}

// deriveFromAnchor fills a schedule from the nk words at word index start and
// gives up as soon as more than budget bytes disagree with window.
func deriveFromAnchor(window []byte, size KeySize, start, budget int) (Schedule, bool) {
	var s Schedule
	s.size = size
	nk := size.Nk()
	copy(s.b[4*start:4*(start+nk)], window[4*start:])

	miss := 0
	check := func(i int, w Word) bool {
		s.putWord(i, w)
		if x := w ^ loadWord(window, i); x != 0 {
			miss += differingBytes(x)
			return miss <= budget
		}
		return true
	}

	for i := start + nk; i < size.Words(); i++ {
		if !check(i, s.Word(i-nk)^mix(s.Word(i-1), i, nk)) {
			return Schedule{}, false
		}
	}
	for i := start - 1; i >= 0; i-- {
		if !check(i, s.Word(i+nk)^mix(s.Word(i+nk-1), i+nk, nk)) {
			return Schedule{}, false
		}
	}
	return s, true
}

// differingBytes counts the non-zero bytes of x.
func differingBytes(x Word) int {
	// fold each byte onto its low bit
	v := uint32(x)
	v |= v >> 4
	v |= v >> 2
	v |= v >> 1
	return bits.OnesCount32(v & 0x01010101)
}

func diff(window, schedule []byte) Correction {
	var c Correction
	for i, b := range schedule {
		if window[i] != b {
			c = append(c, ByteFix{Offset: i, Was: window[i], Now: b})
		}
	}
	return c
}
