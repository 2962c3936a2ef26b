// Package export writes recovered AES keys to a directory, one file per
// finding, named <n>.bin after a run-wide counter.
//
// A key file is either fully written or absent: the bytes are staged in a
// temporary file in the same directory and only linked to their final name
// once synced and closed. Linking never replaces an existing file, so a name
// already taken by an earlier run is skipped rather than overwritten.
//
// With a Sealer the file holds a passphrase-sealed key instead of the raw
// key bytes.
package export

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

const maxNameAttempts = 1 << 16

var ErrNoFreeName = errors.New("no free export file name")

// Exporter writes key files. It is safe for concurrent use.
type Exporter struct {
	dir    string
	sealer *Sealer
	log    *logrus.Logger
	next   atomic.Uint64
	count  atomic.Int64
}

// New checks that dir is an existing directory. sealer may be nil.
func New(dir string, sealer *Sealer, log *logrus.Logger) (*Exporter, error) {
	if err := CheckDir(dir); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.New()
	}
	return &Exporter{dir: dir, sealer: sealer, log: log}, nil
}

// CheckDir reports whether dir is usable as an export directory.
func CheckDir(dir string) error {
	if dir == "" {
		return errors.New("export directory required")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("export directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("export directory: %s is not a directory", dir)
	}
	return nil
}

// Dir is the export directory.
func (e *Exporter) Dir() string { return e.dir }

// Sealed reports whether keys are sealed before they are written.
func (e *Exporter) Sealed() bool { return e.sealer != nil }

// Count is the number of key files written so far.
func (e *Exporter) Count() int64 { return e.count.Load() }

// Export writes key to a new file and returns its path.
func (e *Exporter) Export(key []byte) (string, error) {
	payload := key
	if e.sealer != nil {
		sealed, err := e.sealer.Seal(key)
		if err != nil {
			return "", fmt.Errorf("sealing failed: %w", err)
		}
		payload = sealed
	}

	tmp, err := e.stage(payload)
	if err != nil {
		return "", err
	}
	defer func() {
		if rerr := os.Remove(tmp); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			e.log.WithFields(logrus.Fields{"path": tmp}).Warnf("temp file removal failed: %v", rerr)
		}
	}()

	for i := 0; i < maxNameAttempts; i++ {
		n := e.next.Add(1) - 1
		final := filepath.Join(e.dir, strconv.FormatUint(n, 10)+".bin")
		err := os.Link(tmp, final)
		if err == nil {
			e.count.Add(1)
			e.log.WithFields(logrus.Fields{
				"path":        final,
				"fingerprint": Fingerprint(key),
				"sealed":      e.sealer != nil,
			}).Info("key exported")
			return final, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("export link failed: %w", err)
		}
	}
	return "", ErrNoFreeName
}

// stage writes payload to a synced, closed temporary file in the export
// directory and returns its path. On error nothing is left behind.
func (e *Exporter) stage(payload []byte) (path string, err error) {
	f, err := os.CreateTemp(e.dir, ".keysift-*.tmp")
	if err != nil {
		return "", fmt.Errorf("file creation failed: %w", err)
	}
	path = f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(path)
		}
	}()
	if _, err = f.Write(payload); err != nil {
		return "", fmt.Errorf("key write failed: %w", err)
	}
	if err = f.Sync(); err != nil {
		return "", fmt.Errorf("key sync failed: %w", err)
	}
	if err = f.Close(); err != nil {
		return "", fmt.Errorf("close failed: %w", err)
	}
	return path, nil
}

// Fingerprint identifies a key in logs without revealing it: the first eight
// bytes of its BLAKE2b-256 digest, hex encoded.
func Fingerprint(key []byte) string {
	sum := blake2b.Sum256(key)
	return hex.EncodeToString(sum[:8])
}
