package export

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	MagicNumber = "KSIFTKEY"
	FileVersion = byte(1)

	DefaultArgonTime    = 6
	DefaultArgonMemory  = 256 * 1024
	DefaultArgonThreads = 2

	MinArgonTime   = 1
	MaxArgonTime   = 1 << 12
	MinArgonMemory = 8 * 1024
	MaxArgonMemory = 1 << 22

	saltSize = 32
	// maxSealedKey bounds the plaintext length accepted from a header.
	maxSealedKey = 1 << 10
)

var (
	ErrNotSealed = errors.New("not a sealed key file")
	ErrOpen      = errors.New("processing failed - data corrupted or wrong passphrase")
)

// KDFParams are the Argon2id parameters; Memory is in KiB.
type KDFParams struct {
	Time    uint32
	Memory  uint32
	Threads uint8
}

// DefaultKDFParams returns the parameters used when none are configured.
func DefaultKDFParams() KDFParams {
	return KDFParams{Time: DefaultArgonTime, Memory: DefaultArgonMemory, Threads: DefaultArgonThreads}
}

func (p KDFParams) check() error {
	if p.Time < MinArgonTime || p.Time > MaxArgonTime {
		return fmt.Errorf("argon-time out of bounds (%d-%d): %d", MinArgonTime, MaxArgonTime, p.Time)
	}
	if p.Memory < MinArgonMemory || p.Memory > MaxArgonMemory {
		return fmt.Errorf("argon-mem out of bounds (%d-%d KiB): %d", MinArgonMemory, MaxArgonMemory, p.Memory)
	}
	if p.Threads < 1 {
		return fmt.Errorf("argon-threads out of bounds (1-255): %d", p.Threads)
	}
	return nil
}

// SealHeader starts every sealed key file. Its little-endian encoding is
// also the AEAD additional data, so any change to it fails authentication.
type SealHeader struct {
	Magic        [len(MagicNumber)]byte
	Version      byte
	ArgonTime    uint32
	ArgonMem     uint32
	ArgonThreads uint8
	KeyLen       uint32
	Timestamp    uint64
	Salt         [saltSize]byte
	Nonce        [chacha20poly1305.NonceSizeX]byte
}

func (h SealHeader) params() KDFParams {
	return KDFParams{Time: h.ArgonTime, Memory: h.ArgonMem, Threads: h.ArgonThreads}
}

func (h SealHeader) encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("header serialization failed: %w", err)
	}
	return buf.Bytes(), nil
}

// ReadHeader decodes and checks the header at the start of r.
func ReadHeader(r io.Reader) (SealHeader, error) {
	var h SealHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return SealHeader{}, ErrNotSealed
		}
		return SealHeader{}, fmt.Errorf("header read failed: %w", err)
	}
	if string(h.Magic[:]) != MagicNumber {
		return SealHeader{}, ErrNotSealed
	}
	if h.Version > FileVersion {
		return SealHeader{}, fmt.Errorf("unsupported file version: %d", h.Version)
	}
	if h.KeyLen > maxSealedKey {
		return SealHeader{}, fmt.Errorf("sealed key too large: %d", h.KeyLen)
	}
	if err := h.params().check(); err != nil {
		return SealHeader{}, fmt.Errorf("invalid header: %w", err)
	}
	return h, nil
}

func deriveKey(passphrase, salt []byte, p KDFParams) (*SecureBuffer, error) {
	derived := argon2.IDKey(passphrase, salt, p.Time, p.Memory, p.Threads, chacha20poly1305.KeySize)
	key := SecureBufferFrom(derived)
	if _, err := chacha20poly1305.NewX(key.Bytes()); err != nil {
		key.Zero()
		return nil, fmt.Errorf("AEAD initialization failed: %w", err)
	}
	return key, nil
}

// Sealer encrypts exported keys under a passphrase. The Argon2id key is
// derived once per Sealer; each sealed file gets a fresh nonce. A Sealer is
// safe for concurrent use.
type Sealer struct {
	params KDFParams
	salt   [saltSize]byte
	key    *SecureBuffer
	aead   cipher.AEAD
}

// NewSealer derives the sealing key from passphrase with a random salt.
func NewSealer(passphrase []byte, p KDFParams) (*Sealer, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("empty passphrase")
	}
	if err := p.check(); err != nil {
		return nil, err
	}
	s := &Sealer{params: p}
	if _, err := rand.Read(s.salt[:]); err != nil {
		return nil, fmt.Errorf("salt generation failed: %w", err)
	}
	key, err := deriveKey(passphrase, s.salt[:], p)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		key.Zero()
		return nil, fmt.Errorf("AEAD initialization failed: %w", err)
	}
	s.key = key
	s.aead = aead
	return s, nil
}

// Seal returns a complete sealed key file for plain.
func (s *Sealer) Seal(plain []byte) ([]byte, error) {
	if len(plain) > maxSealedKey {
		return nil, fmt.Errorf("key too large to seal: %d", len(plain))
	}
	var h SealHeader
	copy(h.Magic[:], MagicNumber)
	h.Version = FileVersion
	h.ArgonTime = s.params.Time
	h.ArgonMem = s.params.Memory
	h.ArgonThreads = s.params.Threads
	h.KeyLen = uint32(len(plain))
	h.Timestamp = uint64(time.Now().Unix())
	h.Salt = s.salt
	if _, err := rand.Read(h.Nonce[:]); err != nil {
		return nil, fmt.Errorf("nonce generation failed: %w", err)
	}
	aad, err := h.encode()
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(aad), len(aad)+len(plain)+s.aead.Overhead())
	copy(out, aad)
	return s.aead.Seal(out, h.Nonce[:], plain, aad), nil
}

// Close wipes the derived key.
func (s *Sealer) Close() error {
	return s.key.Close()
}

// Unseal decrypts a sealed key file produced by Seal.
func Unseal(passphrase, blob []byte) ([]byte, error) {
	r := bytes.NewReader(blob)
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	aad := blob[:len(blob)-r.Len()]
	ct := blob[len(aad):]
	if len(ct) != int(h.KeyLen)+chacha20poly1305.Overhead {
		return nil, ErrOpen
	}
	key, err := deriveKey(passphrase, h.Salt[:], h.params())
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	defer func(sb *SecureBuffer) {
		_ = sb.Close()
	}(key)
	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("AEAD initialization failed: %w", err)
	}
	plain, err := aead.Open(nil, h.Nonce[:], ct, aad)
	if err != nil {
		return nil, ErrOpen
	}
	return plain, nil
}
