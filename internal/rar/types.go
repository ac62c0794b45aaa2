package rar

import (
	"errors"
	"fmt"
)

var (
	ErrNotRar                 = errors.New("rar signature not found")
	ErrCorruptHeader          = errors.New("corrupt rar header")
	ErrHeaderCRC              = errors.New("rar header checksum mismatch")
	ErrUnsupportedCompression = errors.New("rar entry is compressed")
	ErrEncrypted              = errors.New("rar archive is encrypted")
	ErrSpanMismatch           = errors.New("rar spans do not cover the entry")
	ErrTruncated              = errors.New("rar archive ends inside an entry")
)

// HeaderError pins a parse failure to its position in the volume set.
type HeaderError struct {
	Volume int
	Offset int64
	Err    error
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("rar volume %d offset %d: %v", e.Volume, e.Offset, e.Err)
}

func (e *HeaderError) Unwrap() error { return e.Err }

type Method int

const (
	MethodStore Method = iota
	MethodOther
)

func (m Method) String() string {
	if m == MethodStore {
		return "store"
	}
	return "compressed"
}

// Span is one contiguous run of an entry's bytes inside one volume.
type Span struct {
	Volume int   `json:"volume"`
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// FileEntry is a file stored in the archive. Spans are in volume order and,
// for a store-mode entry, their lengths add up to Size.
type FileEntry struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	Spans     []Span `json:"spans"`
	Method    Method `json:"-"`
	Encrypted bool   `json:"encrypted"`
	Version   int    `json:"version"`
}

// Stored is the number of archive bytes the entry occupies.
func (e *FileEntry) Stored() int64 {
	var n int64
	for _, s := range e.Spans {
		n += s.Length
	}
	return n
}

// Usable reports why the entry cannot be served as a byte range, if at all.
func (e *FileEntry) Usable() error {
	switch {
	case e.Encrypted:
		return fmt.Errorf("%s: %w", e.Name, ErrEncrypted)
	case e.Method != MethodStore:
		return fmt.Errorf("%s: %w", e.Name, ErrUnsupportedCompression)
	}
	return nil
}

// VolumeCount is the number of distinct volumes the entry touches.
func (e *FileEntry) VolumeCount() int {
	if len(e.Spans) == 0 {
		return 0
	}
	return e.Spans[len(e.Spans)-1].Volume - e.Spans[0].Volume + 1
}
