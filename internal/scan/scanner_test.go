package scan

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"testing"
	"testing/iotest"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Voornaamenachternaam/keysift/internal/aeskey"
)

type collector struct {
	findings []Finding
}

func (c *collector) Found(f Finding) error {
	c.findings = append(c.findings, f)
	return nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newScanner(t *testing.T, mutate func(*Options)) *Scanner {
	t.Helper()
	opts := DefaultOptions()
	opts.Logger = quietLogger()
	if mutate != nil {
		mutate(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	return s
}

func randomBuffer(seed int64, n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func sequentialKey(n int) []byte {
	k := make([]byte, n)
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func inject(t *testing.T, buf []byte, off int, key []byte) aeskey.Schedule {
	t.Helper()
	s, err := aeskey.Expand(key)
	require.NoError(t, err)
	copy(buf[off:], s.Bytes())
	return s
}

func scanBytes(t *testing.T, s *Scanner, data []byte) ([]Finding, Stats) {
	t.Helper()
	var c collector
	st, err := s.Scan(context.Background(), "test", bytes.NewReader(data), &c)
	require.NoError(t, err)
	return c.findings, st
}

func TestScanFindsInjectedAES128(t *testing.T) {
	buf := randomBuffer(1, 1<<20)
	key := sequentialKey(16)
	inject(t, buf, 0x1000, key)

	s := newScanner(t, func(o *Options) { o.ChunkSize = 64 * 1024 })
	found, st := scanBytes(t, s, buf)

	require.Len(t, found, 1)
	f := found[0]
	assert.Equal(t, int64(0x1000), f.Offset)
	assert.Equal(t, aeskey.AES128, f.Size)
	assert.Equal(t, key, f.Key())
	assert.Empty(t, f.Correction)
	assert.False(t, f.Reconstructed())
	assert.Equal(t, "test", f.Source)
	assert.Equal(t, int64(len(buf)), st.Bytes)
	assert.Equal(t, 1, st.Found)
	assert.Equal(t, 0, st.Reconstructed)
}

func TestScanReconstructsCorruptedAES128(t *testing.T) {
	buf := randomBuffer(1, 1<<20)
	key := sequentialKey(16)
	inject(t, buf, 0x1000, key)
	buf[0x1000+5] ^= 0x5a
	buf[0x1000+37] ^= 0xc3

	s := newScanner(t, func(o *Options) {
		o.ChunkSize = 64 * 1024
		o.MaxCorrections = 4
	})
	found, st := scanBytes(t, s, buf)

	require.Len(t, found, 1)
	f := found[0]
	assert.Equal(t, int64(0x1000), f.Offset)
	assert.Equal(t, aeskey.AES128, f.Size)
	assert.Equal(t, key, f.Key())
	assert.Equal(t, []int{5, 37}, f.Correction.Offsets())
	assert.True(t, f.Reconstructed())
	assert.Equal(t, 1, st.Reconstructed)
}

func TestScanWithoutReconstructionMissesCorruptedKey(t *testing.T) {
	buf := randomBuffer(1, 64*1024)
	inject(t, buf, 0x1000, sequentialKey(16))
	buf[0x1000+5] ^= 0x5a

	s := newScanner(t, func(o *Options) { o.Reconstruct = false })
	found, _ := scanBytes(t, s, buf)
	assert.Empty(t, found)
}

func TestScanAllSizes(t *testing.T) {
	buf := randomBuffer(2, 256*1024)
	keys := map[int64][]byte{
		0x0100:  randomBuffer(10, 16),
		0x9000:  randomBuffer(11, 24),
		0x20003: randomBuffer(12, 32),
	}
	for off, k := range keys {
		inject(t, buf, int(off), k)
	}

	s := newScanner(t, func(o *Options) { o.ChunkSize = 4096 })
	found, _ := scanBytes(t, s, buf)
	require.Len(t, found, 3)
	for _, f := range found {
		want, ok := keys[f.Offset]
		require.True(t, ok, "unexpected offset %#x", f.Offset)
		assert.Equal(t, want, f.Key())
		sz, _ := aeskey.SizeForKeyLen(len(want))
		assert.Equal(t, sz, f.Size)
	}
}

// A chunk smaller than a schedule forces every schedule to straddle reads.
func TestScanChunkBoundary(t *testing.T) {
	for _, chunk := range []int{1, 7, 100, 175, 176, 239, 240, 241, 1000} {
		for _, off := range []int{0, 1, 99, 150, 239, 240, 241, 777} {
			buf := randomBuffer(int64(chunk*1000+off), 2048)
			key := randomBuffer(int64(off), 24)
			inject(t, buf, off, key)

			s := newScanner(t, func(o *Options) { o.ChunkSize = chunk })
			found, _ := scanBytes(t, s, buf)
			require.Len(t, found, 1, "chunk %d offset %d", chunk, off)
			assert.Equal(t, int64(off), found[0].Offset, "chunk %d", chunk)
			assert.Equal(t, aeskey.AES192, found[0].Size)
			assert.Equal(t, key, found[0].Key())
		}
	}
}

// The reader hands out one byte per call, so chunk assembly relies on
// io.ReadFull rather than on the reader filling the buffer.
func TestScanOneByteReader(t *testing.T) {
	buf := randomBuffer(3, 4096)
	key := randomBuffer(4, 32)
	inject(t, buf, 1234, key)

	s := newScanner(t, func(o *Options) { o.ChunkSize = 300 })
	var c collector
	_, err := s.Scan(context.Background(), "slow", iotest.OneByteReader(bytes.NewReader(buf)), &c)
	require.NoError(t, err)
	require.Len(t, c.findings, 1)
	assert.Equal(t, int64(1234), c.findings[0].Offset)
	assert.Equal(t, aeskey.AES256, c.findings[0].Size)
}

func TestScanKeyAtEndOfStream(t *testing.T) {
	for _, key := range [][]byte{randomBuffer(5, 16), randomBuffer(6, 24), randomBuffer(7, 32)} {
		sched, err := aeskey.Expand(key)
		require.NoError(t, err)
		buf := append(randomBuffer(8, 1000), sched.Bytes()...)

		s := newScanner(t, func(o *Options) { o.ChunkSize = 512 })
		found, _ := scanBytes(t, s, buf)
		require.Len(t, found, 1, sched.Size().String())
		assert.Equal(t, int64(1000), found[0].Offset)
		assert.Equal(t, key, found[0].Key())
	}
}

func TestScanScheduleOnly(t *testing.T) {
	sched, err := aeskey.Expand(sequentialKey(16))
	require.NoError(t, err)
	s := newScanner(t, nil)
	found, st := scanBytes(t, s, sched.Bytes())
	require.Len(t, found, 1)
	assert.Equal(t, int64(0), found[0].Offset)
	assert.Equal(t, int64(1), st.Windows)
}

func TestScanShortAndEmptyInput(t *testing.T) {
	s := newScanner(t, nil)
	found, st := scanBytes(t, s, nil)
	assert.Empty(t, found)
	assert.Equal(t, int64(0), st.Windows)

	found, st = scanBytes(t, s, randomBuffer(9, 100))
	assert.Empty(t, found)
	assert.Equal(t, int64(0), st.Windows)
}

func TestScanAdjacentSchedules(t *testing.T) {
	buf := randomBuffer(13, 8192)
	k1, k2 := randomBuffer(14, 16), randomBuffer(15, 16)
	inject(t, buf, 1000, k1)
	inject(t, buf, 1176, k2)

	s := newScanner(t, func(o *Options) { o.ChunkSize = 1024 })
	found, _ := scanBytes(t, s, buf)
	require.Len(t, found, 2)
	assert.Equal(t, int64(1000), found[0].Offset)
	assert.Equal(t, int64(1176), found[1].Offset)
}

func TestScanEntropyGateSkipsLowEntropyData(t *testing.T) {
	data := bytes.Repeat([]byte("the quick brown fox "), 1000)
	s := newScanner(t, nil)
	found, st := scanBytes(t, s, data)
	assert.Empty(t, found)
	assert.Equal(t, int64(0), st.Validated)
	assert.GreaterOrEqual(t, st.Filtered, st.Windows)
}

func TestScanSizeFilter(t *testing.T) {
	buf := randomBuffer(16, 8192)
	inject(t, buf, 100, randomBuffer(17, 16))
	inject(t, buf, 4000, randomBuffer(18, 32))

	s := newScanner(t, func(o *Options) { o.Sizes = []aeskey.KeySize{aeskey.AES256, aeskey.AES256} })
	assert.Equal(t, []aeskey.KeySize{aeskey.AES256}, s.Options().Sizes)
	found, _ := scanBytes(t, s, buf)
	require.Len(t, found, 1)
	assert.Equal(t, int64(4000), found[0].Offset)
}

func TestScannerReuseResetsState(t *testing.T) {
	s := newScanner(t, func(o *Options) { o.ChunkSize = 512 })
	low := bytes.Repeat([]byte{0}, 5000)
	_, st := scanBytes(t, s, low)
	assert.Equal(t, int64(0), st.Validated)

	buf := randomBuffer(19, 5000)
	inject(t, buf, 0, sequentialKey(16))
	found, _ := scanBytes(t, s, buf)
	require.Len(t, found, 1)
	assert.Equal(t, int64(0), found[0].Offset)
}

func TestScanCancelled(t *testing.T) {
	s := newScanner(t, func(o *Options) { o.ChunkSize = 1024 })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Scan(ctx, "cancelled", bytes.NewReader(randomBuffer(20, 10000)), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScanReadError(t *testing.T) {
	boom := errors.New("disk on fire")
	r := io.MultiReader(bytes.NewReader(randomBuffer(21, 3000)), iotest.ErrReader(boom))
	s := newScanner(t, func(o *Options) { o.ChunkSize = 1024 })
	_, err := s.Scan(context.Background(), "broken", r, nil)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "broken")
}

func TestSinkErrorDoesNotStopScan(t *testing.T) {
	buf := randomBuffer(22, 8192)
	inject(t, buf, 100, randomBuffer(23, 16))
	inject(t, buf, 5000, randomBuffer(24, 16))

	calls := 0
	sink := SinkFunc(func(Finding) error {
		calls++
		return errors.New("export failed")
	})
	s := newScanner(t, nil)
	st, err := s.Scan(context.Background(), "x", bytes.NewReader(buf), sink)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, st.SinkErrors)
	assert.Equal(t, 2, st.Found)
}

func TestSinksFanOut(t *testing.T) {
	var a, b collector
	bad := SinkFunc(func(Finding) error { return errors.New("first") })
	err := Sinks{&a, bad, &b}.Found(Finding{Offset: 7})
	assert.EqualError(t, err, "first")
	assert.Len(t, a.findings, 1)
	assert.Len(t, b.findings, 1)
}

func TestNewRejectsBadOptions(t *testing.T) {
	for name, mutate := range map[string]func(*Options){
		"chunk":       func(o *Options) { o.ChunkSize = 0 },
		"corrections": func(o *Options) { o.MaxCorrections = aeskey.MaxCorrectionsLimit + 1 },
		"anchors":     func(o *Options) { o.MaxAnchors = -1 },
		"size":        func(o *Options) { o.Sizes = []aeskey.KeySize{9} },
	} {
		opts := DefaultOptions()
		mutate(&opts)
		_, err := New(opts)
		assert.Error(t, err, name)
	}
}

func BenchmarkScan(b *testing.B) {
	buf := randomBuffer(25, 4<<20)
	opts := DefaultOptions()
	opts.Logger = quietLogger()
	s, err := New(opts)
	require.NoError(b, err)
	b.SetBytes(int64(len(buf)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.Scan(context.Background(), "bench", bytes.NewReader(buf), nil); err != nil {
			b.Fatal(err)
		}
	}
}
