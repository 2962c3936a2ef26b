// Package source opens scan inputs. Evidence images are often shipped
// compressed; with decompression enabled the stream is sniffed and gzip, zstd
// and xz images are decoded on the fly so offsets refer to the image itself.
package source

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Format is the container detected on an input.
type Format string

const (
	Raw  Format = "raw"
	Gzip Format = "gzip"
	Zstd Format = "zstd"
	XZ   Format = "xz"
)

var magics = []struct {
	format Format
	magic  []byte
}{
	{Gzip, []byte{0x1f, 0x8b}},
	{Zstd, []byte{0x28, 0xb5, 0x2f, 0xfd}},
	{XZ, []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}},
}

const readBufferSize = 1 << 20

// Input is an opened scan input.
type Input struct {
	Name   string
	Format Format
	r      io.Reader
	close  []func() error
}

func (in *Input) Read(p []byte) (int, error) { return in.r.Read(p) }

// Close releases the decoder, if any, and the underlying file.
func (in *Input) Close() error {
	var first error
	for i := len(in.close) - 1; i >= 0; i-- {
		if err := in.close[i](); err != nil && first == nil {
			first = err
		}
	}
	in.close = nil
	return first
}

// Open opens the file at path. With decompress unset the file is returned
// as is.
func Open(path string, decompress bool) (*Input, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("file access failed: %w", err)
	}
	in, err := NewInput(path, f, decompress)
	if err != nil {
		if cerr := f.Close(); cerr != nil {
			return nil, fmt.Errorf("%w (close: %v)", err, cerr)
		}
		return nil, err
	}
	in.close = append([]func() error{f.Close}, in.close...)
	return in, nil
}

// NewInput wraps r. The caller keeps ownership of r; Close only releases
// decoder state.
func NewInput(name string, r io.Reader, decompress bool) (*Input, error) {
	br := bufio.NewReaderSize(r, readBufferSize)
	in := &Input{Name: name, Format: Raw, r: br}
	if !decompress {
		return in, nil
	}
	format, err := Sniff(br)
	if err != nil {
		return nil, err
	}
	in.Format = format
	switch format {
	case Gzip:
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("gzip header: %w", err)
		}
		in.r = zr
		in.close = append(in.close, zr.Close)
	case Zstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		in.r = zr
		in.close = append(in.close, func() error {
			zr.Close()
			return nil
		})
	case XZ:
		xr, err := xz.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("xz header: %w", err)
		}
		in.r = xr
	}
	return in, nil
}

// Sniff peeks at the start of br and reports the container format. Nothing
// is consumed.
func Sniff(br *bufio.Reader) (Format, error) {
	head, err := br.Peek(6)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return Raw, fmt.Errorf("read failed: %w", err)
	}
	for _, m := range magics {
		if bytes.HasPrefix(head, m.magic) {
			return m.format, nil
		}
	}
	return Raw, nil
}
