package pagemanager

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// --- Page Management ---

// DefaultBlockSize is the block size used when none is configured.
const DefaultBlockSize = 4096

// IntSize is the number of bytes an integer field occupies inside a page.
const IntSize = 4

var (
	// ErrOutOfBounds is returned when an accessor would touch bytes outside the page.
	ErrOutOfBounds = errors.New("page access out of bounds")
	// ErrUTF8Decode is returned when a string field holds an invalid UTF-8 sequence.
	ErrUTF8Decode = errors.New("invalid utf-8 in string field")
)

// Page is an in-memory copy of one block. It owns its bytes: nothing handed
// out by a Page aliases its buffer.
type Page struct {
	data []byte
}

// NewPage creates a zero-filled page of the given size.
func NewPage(size int) *Page {
	if size <= 0 {
		size = DefaultBlockSize
	}
	return &Page{data: make([]byte, size)}
}

// NewPageFromBytes creates a page holding a copy of b.
func NewPageFromBytes(b []byte) *Page {
	p := &Page{data: make([]byte, len(b))}
	copy(p.data, b)
	return p
}

// Size is the page length in bytes, equal to the block size it was built for.
func (p *Page) Size() int { return len(p.data) }

// Bytes returns a copy of the page contents.
func (p *Page) Bytes() []byte {
	out := make([]byte, len(p.data))
	copy(out, p.data)
	return out
}

// GetData returns the backing slice so the file layer can read and write a
// whole block in place. Everything else should go through the accessors.
func (p *Page) GetData() []byte { return p.data }

// Reset zero-fills the page.
func (p *Page) Reset() {
	for i := range p.data {
		p.data[i] = 0
	}
}

// CopyFrom overwrites this page with the contents of other. Both pages must
// have the same size.
func (p *Page) CopyFrom(other *Page) error {
	if len(other.data) != len(p.data) {
		return fmt.Errorf("%w: page size %d != %d", ErrOutOfBounds, len(other.data), len(p.data))
	}
	copy(p.data, other.data)
	return nil
}

func (p *Page) check(offset, length int) error {
	if offset < 0 || length < 0 || offset > len(p.data)-length {
		return fmt.Errorf("%w: offset %d length %d page size %d", ErrOutOfBounds, offset, length, len(p.data))
	}
	return nil
}

// SetInt writes v as a 4-byte big-endian two's complement integer.
func (p *Page) SetInt(offset int, v int32) error {
	if err := p.check(offset, IntSize); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(p.data[offset:], uint32(v))
	return nil
}

// GetInt reads the 4-byte big-endian integer at offset.
func (p *Page) GetInt(offset int) (int32, error) {
	if err := p.check(offset, IntSize); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(p.data[offset:])), nil
}

// SetString writes the raw bytes of s at offset. No length prefix is stored;
// the caller keeps track of len(s).
func (p *Page) SetString(offset int, s string) error {
	if err := p.check(offset, len(s)); err != nil {
		return err
	}
	copy(p.data[offset:], s)
	return nil
}

// GetString reads length bytes at offset and decodes them as UTF-8.
func (p *Page) GetString(offset, length int) (string, error) {
	if err := p.check(offset, length); err != nil {
		return "", err
	}
	b := p.data[offset : offset+length]
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w at offset %d length %d", ErrUTF8Decode, offset, length)
	}
	return string(b), nil
}

// WriteBytes copies b into the page at offset.
func (p *Page) WriteBytes(offset int, b []byte) error {
	if err := p.check(offset, len(b)); err != nil {
		return err
	}
	copy(p.data[offset:], b)
	return nil
}

// ReadBytes returns a copy of length bytes starting at offset.
func (p *Page) ReadBytes(offset, length int) ([]byte, error) {
	if err := p.check(offset, length); err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, p.data[offset:offset+length])
	return out, nil
}
