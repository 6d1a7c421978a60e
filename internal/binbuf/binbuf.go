// Package binbuf provides a bounds-checked, endian-aware sequential reader
// over an in-memory byte span. It backs every binary format this module
// parses (VMCOREINFO ELF notes, the depmod trie) with a single cursor type
// so bounds checking and error formatting live in one place.
package binbuf

import (
	"encoding/binary"
	"fmt"
)

// Buffer is a bounds-checked cursor over a fixed byte span. Integer and
// byte reads do not allocate: they decode or slice directly out of the
// backing array. CString copies the bytes it returns into a new string.
// The zero value is not usable; construct with New.
type Buffer struct {
	path   string
	data   []byte
	pos    int
	little bool
}

// New constructs a Buffer over data. path is used only to annotate error
// messages (typically the source file or device path). little selects the
// byte order applied to multi-byte integer reads; it has no effect on
// string or byte-granular reads.
func New(path string, data []byte, little bool) *Buffer {
	return &Buffer{path: path, data: data, little: little}
}

// Len returns the number of unread bytes remaining.
func (b *Buffer) Len() int {
	return len(b.data) - b.pos
}

// Pos returns the current cursor offset from the start of the buffer.
func (b *Buffer) Pos() int {
	return b.pos
}

// Seek repositions the cursor to an absolute offset. It fails if offset is
// negative or past the end of the buffer.
func (b *Buffer) Seek(offset int) error {
	if offset < 0 || offset > len(b.data) {
		return b.errorf(offset, "seek out of range")
	}
	b.pos = offset
	return nil
}

// Skip advances the cursor by n bytes without reading them.
func (b *Buffer) Skip(n int) error {
	if n < 0 || n > b.Len() {
		return b.errorf(b.pos, "skip %d bytes: short buffer", n)
	}
	b.pos += n
	return nil
}

// U8 reads one byte and advances the cursor.
func (b *Buffer) U8() (byte, error) {
	if b.Len() < 1 {
		return 0, b.errorf(b.pos, "read u8: short buffer")
	}
	v := b.data[b.pos]
	b.pos++
	return v, nil
}

// U16 reads a two-byte unsigned integer in the buffer's configured byte
// order and advances the cursor.
func (b *Buffer) U16() (uint16, error) {
	if b.Len() < 2 {
		return 0, b.errorf(b.pos, "read u16: short buffer")
	}
	raw := b.data[b.pos : b.pos+2]
	var v uint16
	if b.little {
		v = binary.LittleEndian.Uint16(raw)
	} else {
		v = binary.BigEndian.Uint16(raw)
	}
	b.pos += 2
	return v, nil
}

// U32 reads a four-byte unsigned integer in the buffer's configured byte
// order and advances the cursor.
func (b *Buffer) U32() (uint32, error) {
	if b.Len() < 4 {
		return 0, b.errorf(b.pos, "read u32: short buffer")
	}
	raw := b.data[b.pos : b.pos+4]
	var v uint32
	if b.little {
		v = binary.LittleEndian.Uint32(raw)
	} else {
		v = binary.BigEndian.Uint32(raw)
	}
	b.pos += 4
	return v, nil
}

// U64 reads an eight-byte unsigned integer in the buffer's configured byte
// order and advances the cursor.
func (b *Buffer) U64() (uint64, error) {
	if b.Len() < 8 {
		return 0, b.errorf(b.pos, "read u64: short buffer")
	}
	raw := b.data[b.pos : b.pos+8]
	var v uint64
	if b.little {
		v = binary.LittleEndian.Uint64(raw)
	} else {
		v = binary.BigEndian.Uint64(raw)
	}
	b.pos += 8
	return v, nil
}

// Bytes reads n raw bytes and advances the cursor. The returned slice
// aliases the backing array; callers that need to retain it past further
// reads must copy.
func (b *Buffer) Bytes(n int) ([]byte, error) {
	if n < 0 || n > b.Len() {
		return nil, b.errorf(b.pos, "read %d bytes: short buffer", n)
	}
	v := b.data[b.pos : b.pos+n]
	b.pos += n
	return v, nil
}

// CString reads a NUL-terminated string starting at the cursor and
// advances past the terminator (which is not included in the returned
// string). It fails if no NUL byte is found before the buffer ends.
func (b *Buffer) CString() (string, error) {
	rest := b.data[b.pos:]
	nul := -1
	for i, c := range rest {
		if c == 0 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return "", b.errorf(b.pos, "read c-string: unterminated")
	}
	s := string(rest[:nul])
	b.pos += nul + 1
	return s, nil
}

// PeekByte returns the byte at the cursor without advancing. It fails if
// the cursor is at the end of the buffer.
func (b *Buffer) PeekByte() (byte, error) {
	if b.Len() < 1 {
		return 0, b.errorf(b.pos, "peek: short buffer")
	}
	return b.data[b.pos], nil
}

func (b *Buffer) errorf(offset int, format string, args ...any) error {
	return fmt.Errorf("%s: %d: %s", b.path, offset, fmt.Sprintf(format, args...))
}

// Slice returns the entire backing byte span without copying, for callers
// (such as the depmod trie walker) that need random-access reads at
// arbitrary absolute offsets rather than sequential cursor advancement.
func (b *Buffer) Slice() []byte {
	return b.data
}

// Path returns the source path this buffer was constructed with, used by
// callers composing their own position-annotated errors at absolute
// offsets outside the cursor's current position.
func (b *Buffer) Path() string {
	return b.path
}
