package aeskey

import (
	"encoding/binary"
	"math/bits"
)

// Word is one 32-bit column of a key schedule. Byte 0 of the column is the
// most significant byte.
type Word uint32

// sbox is generated as in FIPS-197 section 5.1.1.
var sbox = func() (s [256]byte) {
	var p, q uint8 = 1, 1
	for {
		// p *= 3
		if p&0x80 != 0 {
			p ^= (p << 1) ^ 0x1b
		} else {
			p ^= p << 1
		}

		// q /= 3
		q ^= q << 1
		q ^= q << 2
		q ^= q << 4
		if q&0x80 != 0 {
			q ^= 0x09
		}

		x := q ^ bits.RotateLeft8(q, 1) ^ bits.RotateLeft8(q, 2) ^ bits.RotateLeft8(q, 3) ^ bits.RotateLeft8(q, 4)
		s[p] = x ^ 0x63

		if p == 1 {
			break
		}
	}
	// 0 has no inverse
	s[0] = 0x63
	return s
}()

// rcon[i] is x^(i-1) in GF(2^8); index 0 is unused.
var rcon = [...]byte{0x00, 0x01, 0x02, 0x04, 0x08, 0x10, 0x20, 0x40, 0x80, 0x1b, 0x36}

// SubByte applies the AES S-box to b.
func SubByte(b byte) byte { return sbox[b] }

// SubWord applies the S-box to each byte of w.
func SubWord(w Word) Word {
	return Word(sbox[w>>24])<<24 |
		Word(sbox[w>>16&0xff])<<16 |
		Word(sbox[w>>8&0xff])<<8 |
		Word(sbox[w&0xff])
}

// RotWord rotates w left by one byte: [a0 a1 a2 a3] -> [a1 a2 a3 a0].
func RotWord(w Word) Word {
	return w<<8 | w>>24
}

// Rcon returns the round constant word (rcon[i], 0, 0, 0). Indexes outside
// the table yield zero.
func Rcon(i int) Word {
	if i < 0 || i >= len(rcon) {
		return 0
	}
	return Word(rcon[i]) << 24
}

// mix is the non-linear term of the recurrence
//
//	W[i] = W[i-Nk] ^ mix(W[i-1], i, Nk)
func mix(prev Word, i, nk int) Word {
	switch {
	case i%nk == 0:
		return SubWord(RotWord(prev)) ^ Rcon(i/nk)
	case nk > 6 && i%nk == 4:
		return SubWord(prev)
	}
	return prev
}

// Schedule is an expanded AES key schedule. The zero value is empty; use
// Expand, Validate or Reconstruct to obtain one.
type Schedule struct {
	size KeySize
	b    [MaxScheduleLen]byte
}

// Size is the key size the schedule was expanded for.
func (s *Schedule) Size() KeySize { return s.size }

// Bytes returns the full schedule (176, 208 or 240 bytes).
func (s *Schedule) Bytes() []byte { return s.b[:s.size.ScheduleLen()] }

// Key returns the cipher key, the first Nk words of the schedule.
func (s *Schedule) Key() []byte { return s.b[:s.size.KeyLen()] }

// RoundKey returns the 16-byte round key for round r, 0 <= r <= Nr.
func (s *Schedule) RoundKey(r int) []byte { return s.b[16*r : 16*r+16] }

// Word returns word i of the schedule.
func (s *Schedule) Word(i int) Word { return loadWord(s.b[:], i) }

func (s *Schedule) putWord(i int, w Word) {
	binary.BigEndian.PutUint32(s.b[4*i:], uint32(w))
}

func loadWord(b []byte, i int) Word {
	return Word(binary.BigEndian.Uint32(b[4*i:]))
}

// Expand computes the key schedule for key. The key size is taken from
// len(key); anything other than 16, 24 or 32 bytes is a KeySizeError.
func Expand(key []byte) (Schedule, error) {
	size, ok := SizeForKeyLen(len(key))
	if !ok {
		return Schedule{}, KeySizeError(len(key))
	}
	var s Schedule
	s.size = size
	copy(s.b[:], key)
	nk := size.Nk()
	for i := nk; i < size.Words(); i++ {
		s.putWord(i, s.Word(i-nk)^mix(s.Word(i-1), i, nk))
	}
	return s, nil
}
