// Package aeskey implements the AES key expansion and the two checks built on
// top of it: exact validation of a candidate key schedule and bounded
// reconstruction of a partially corrupted one.
package aeskey

import (
	"fmt"
	"strconv"
	"strings"
)

// KeySize identifies one of the three AES key lengths.
type KeySize int

const (
	AES128 KeySize = iota
	AES192
	AES256
)

const (
	// MaxScheduleLen is the length of the largest (AES-256) key schedule.
	MaxScheduleLen = 240
	// MinScheduleLen is the length of the smallest (AES-128) key schedule.
	MinScheduleLen = 176
	// MaxKeyLen is the length of an AES-256 key.
	MaxKeyLen = 32
)

// KeySizes lists every key size in ascending order.
var KeySizes = []KeySize{AES128, AES192, AES256}

var nkBySize = [...]int{AES128: 4, AES192: 6, AES256: 8}

// Valid reports whether k is one of the defined key sizes.
func (k KeySize) Valid() bool {
	return k >= AES128 && k <= AES256
}

// Nk is the key length in 32-bit words.
func (k KeySize) Nk() int { return nkBySize[k] }

// Nr is the number of encryption rounds.
func (k KeySize) Nr() int { return nkBySize[k] + 6 }

// KeyLen is the key length in bytes.
func (k KeySize) KeyLen() int { return 4 * nkBySize[k] }

// Words is the number of words in the expanded schedule.
func (k KeySize) Words() int { return 4 * (k.Nr() + 1) }

// ScheduleLen is the length of the expanded schedule in bytes.
func (k KeySize) ScheduleLen() int { return 16 * (k.Nr() + 1) }

// Bits is the key length in bits.
func (k KeySize) Bits() int { return 32 * nkBySize[k] }

func (k KeySize) String() string {
	if !k.Valid() {
		return "KeySize(" + strconv.Itoa(int(k)) + ")"
	}
	return "AES-" + strconv.Itoa(k.Bits())
}

// SizeForKeyLen returns the key size whose key is n bytes long.
func SizeForKeyLen(n int) (KeySize, bool) {
	switch n {
	case 16:
		return AES128, true
	case 24:
		return AES192, true
	case 32:
		return AES256, true
	}
	return 0, false
}

// ParseKeySize accepts "128", "aes128", "AES-128" and the like.
func ParseKeySize(s string) (KeySize, error) {
	t := strings.ToLower(strings.TrimSpace(s))
	t = strings.TrimPrefix(t, "aes")
	t = strings.TrimPrefix(t, "-")
	switch t {
	case "128":
		return AES128, nil
	case "192":
		return AES192, nil
	case "256":
		return AES256, nil
	}
	return 0, fmt.Errorf("unknown AES key size %q", s)
}

// KeySizeError is returned by Expand for keys that are not 16, 24 or 32 bytes.
type KeySizeError int

func (k KeySizeError) Error() string {
	return "aeskey: invalid key size " + strconv.Itoa(int(k))
}
