package export

import (
	"crypto/subtle"
	"runtime"
	"sync"
	"sync/atomic"
)

func sink(b []byte) {
	runtime.KeepAlive(b)
}

// SecureBuffer holds secret bytes (passphrases, derived keys, recovered AES
// keys) and wipes them on Close.
type SecureBuffer struct {
	data   []byte
	mu     sync.Mutex
	zeroed atomic.Bool
}

func NewSecureBuffer(size int) *SecureBuffer {
	if size < 0 {
		size = 0
	}
	return &SecureBuffer{data: make([]byte, size)}
}

// SecureBufferFrom copies b into a new buffer and wipes b.
func SecureBufferFrom(b []byte) *SecureBuffer {
	sb := NewSecureBuffer(len(b))
	copy(sb.data, b)
	ZeroBytes(b)
	return sb
}

func (sb *SecureBuffer) Bytes() []byte {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.data
}

func (sb *SecureBuffer) Len() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return len(sb.data)
}

func (sb *SecureBuffer) Zero() {
	if sb.zeroed.Load() {
		return
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.zeroed.Load() {
		return
	}
	for i := range sb.data {
		sb.data[i] = 0
	}
	sb.zeroed.Store(true)
	sink(sb.data)
}

func (sb *SecureBuffer) IsZeroed() bool {
	return sb.zeroed.Load()
}

func (sb *SecureBuffer) Close() error {
	sb.Zero()
	return nil
}

// ZeroBytes wipes b in place.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
	sink(b)
}

// ConstantTimeEqual compares two secrets without leaking where they differ.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
