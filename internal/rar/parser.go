package rar

import (
	"bytes"
	"fmt"
	"math"
)

// The signature may sit behind an SFX stub or junk, but not far.
const maxSignatureOffset = 1024

var (
	sigPrefix = []byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07} // "Rar!\x1a\x07"
	sigV4     = []byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x00}
	sigV5     = []byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x01, 0x00}
)

type State int

const (
	// StateNeedMore asks for the bytes at Parser.Need.
	StateNeedMore State = iota
	// StateEntry carries a completed FileEntry. Feed(nil) continues.
	StateEntry
	// StateDone means the last volume's end marker was read.
	StateDone
)

type Step struct {
	State State
	Entry *FileEntry
}

// Need is the position the next fed bytes must start at.
type Need struct {
	Volume int
	Offset int64
}

type blockKind int

const (
	blockOther blockKind = iota
	blockMain
	blockFile
	blockEnd
)

type block struct {
	kind blockKind
	size int   // header bytes
	data int64 // data area bytes following the header

	volume     bool // main: archive is part of a volume set
	encrypted  bool // main: headers are encrypted
	nextVolume bool // end: another volume follows
	file       fileHeader
}

type fileHeader struct {
	name        string
	size        int64
	sizeUnknown bool
	method      Method
	encrypted   bool
	dir         bool
	splitBefore bool
	splitAfter  bool
}

// Parser walks archive headers one volume at a time without holding more
// than a header's worth of bytes. Data areas are skipped, never buffered.
type Parser struct {
	version int
	volume  int
	buf     []byte
	pos     int64 // volume offset of buf[0]
	signed  bool
	multi   bool
	open    *FileEntry
	ready   []*FileEntry
	done    bool
	err     error
}

func NewParser() *Parser {
	return &Parser{}
}

func (p *Parser) Need() Need {
	return Need{Volume: p.volume, Offset: p.pos + int64(len(p.buf))}
}

// Version is 4 or 5 once the first signature has been seen.
func (p *Parser) Version() int { return p.version }

func (p *Parser) Done() bool { return p.done }

// Feed consumes bytes starting at Need() and parses as far as they allow.
// The slice is not modified and not retained past the next call.
func (p *Parser) Feed(data []byte) (Step, error) {
	if p.err != nil {
		return Step{}, p.err
	}
	if len(data) > 0 && !p.done {
		if len(p.buf) == 0 {
			p.buf = data[:len(data):len(data)]
		} else {
			p.buf = append(p.buf[:len(p.buf):len(p.buf)], data...)
		}
	}

	for {
		if len(p.ready) > 0 {
			e := p.ready[0]
			p.ready = p.ready[1:]
			return Step{State: StateEntry, Entry: e}, nil
		}
		if p.done {
			p.buf = nil
			return Step{State: StateDone}, nil
		}

		progressed, err := p.advance()
		if err != nil {
			p.err = err
			return Step{}, err
		}
		if !progressed {
			// keep our own copy so the caller's slice can go
			p.buf = bytes.Clone(p.buf)
			return Step{State: StateNeedMore}, nil
		}
	}
}

// EndVolume reports that the current volume has no bytes left. The parser
// moves on to the next volume when the archive is a set or an entry is
// still open, and finishes otherwise.
func (p *Parser) EndVolume() (Step, error) {
	if p.err != nil {
		return Step{}, p.err
	}
	if p.done {
		return Step{State: StateDone}, nil
	}
	if !p.signed {
		p.err = &HeaderError{Volume: p.volume, Offset: 0, Err: ErrNotRar}
		return Step{}, p.err
	}
	if len(p.buf) > 0 {
		p.err = &HeaderError{Volume: p.volume, Offset: p.pos, Err: fmt.Errorf("%w: %d trailing bytes", ErrCorruptHeader, len(p.buf))}
		return Step{}, p.err
	}
	if p.multi || p.open != nil {
		p.nextVolume()
		return Step{State: StateNeedMore}, nil
	}
	if err := p.Finish(); err != nil {
		return Step{}, err
	}
	return Step{State: StateDone}, nil
}

// Finish is called when there are no more volumes.
func (p *Parser) Finish() error {
	if p.err != nil {
		return p.err
	}
	if p.open != nil {
		p.err = fmt.Errorf("%s: %w", p.open.Name, ErrTruncated)
		return p.err
	}
	p.done = true
	return nil
}

func (p *Parser) advance() (bool, error) {
	if !p.signed {
		return p.findSignature()
	}

	var (
		b   block
		ok  bool
		err error
	)
	if p.version == 5 {
		b, ok, err = parseBlock5(p.buf)
	} else {
		b, ok, err = parseBlock4(p.buf)
	}
	if err != nil {
		return false, &HeaderError{Volume: p.volume, Offset: p.pos, Err: err}
	}
	if !ok {
		return false, nil
	}

	if b.data < 0 || b.data > math.MaxInt64-p.pos-int64(b.size) {
		return false, &HeaderError{Volume: p.volume, Offset: p.pos,
			Err: fmt.Errorf("%w: data area of %d bytes", ErrCorruptHeader, b.data)}
	}

	dataStart := p.pos + int64(b.size)
	p.discard(int64(b.size))

	switch b.kind {
	case blockMain:
		if b.encrypted {
			return false, &HeaderError{Volume: p.volume, Offset: dataStart - int64(b.size), Err: ErrEncrypted}
		}
		p.multi = p.multi || b.volume
	case blockFile:
		if err := p.addFile(b.file, dataStart, b.data); err != nil {
			return false, &HeaderError{Volume: p.volume, Offset: dataStart - int64(b.size), Err: err}
		}
		if b.file.splitAfter {
			// nothing but the end marker follows the split data
			p.nextVolume()
			return true, nil
		}
	case blockEnd:
		if b.nextVolume {
			p.multi = true
			p.nextVolume()
			return true, nil
		}
		return true, p.Finish()
	}

	p.discard(b.data)
	return true, nil
}

func (p *Parser) findSignature() (bool, error) {
	from := 0
	for {
		i := bytes.Index(p.buf[from:], sigPrefix)
		if i < 0 {
			if len(p.buf) >= maxSignatureOffset+len(sigV5) {
				return false, &HeaderError{Volume: p.volume, Err: ErrNotRar}
			}
			return false, nil
		}
		i += from
		if i > maxSignatureOffset {
			return false, &HeaderError{Volume: p.volume, Err: ErrNotRar}
		}
		if len(p.buf) < i+len(sigV5) && !bytes.HasPrefix(p.buf[i:], sigV4) {
			return false, nil
		}

		version, n := 0, 0
		switch {
		case bytes.HasPrefix(p.buf[i:], sigV4):
			version, n = 4, len(sigV4)
		case bytes.HasPrefix(p.buf[i:], sigV5):
			version, n = 5, len(sigV5)
		default:
			from = i + 1
			continue
		}

		if p.version != 0 && p.version != version {
			return false, &HeaderError{Volume: p.volume, Offset: int64(i),
				Err: fmt.Errorf("%w: volume is RAR%d, set is RAR%d", ErrCorruptHeader, version, p.version)}
		}
		p.version = version
		p.signed = true
		p.discard(int64(i + n))
		return true, nil
	}
}

func (p *Parser) addFile(fh fileHeader, dataStart, dataLen int64) error {
	if fh.splitBefore {
		if p.open == nil || p.open.Name != fh.name {
			return fmt.Errorf("%w: %q continues an entry that was never started", ErrSpanMismatch, fh.name)
		}
	} else {
		if p.open != nil {
			return fmt.Errorf("%w: %q", ErrTruncated, p.open.Name)
		}
		if fh.dir {
			return nil
		}
		p.open = &FileEntry{
			Name:    fh.name,
			Size:    fh.size,
			Method:  fh.method,
			Version: p.version,
		}
	}

	e := p.open
	if fh.encrypted {
		e.Encrypted = true
	}
	if fh.method != MethodStore {
		e.Method = fh.method
	}
	if dataLen > 0 {
		e.Spans = append(e.Spans, Span{Volume: p.volume, Offset: dataStart, Length: dataLen})
	}
	if fh.splitAfter {
		return nil
	}

	p.open = nil
	if fh.sizeUnknown {
		e.Size = e.Stored()
	}
	if e.Method == MethodStore && !e.Encrypted && e.Stored() != e.Size {
		return fmt.Errorf("%w: %q stores %d of %d bytes", ErrSpanMismatch, e.Name, e.Stored(), e.Size)
	}
	p.ready = append(p.ready, e)
	return nil
}

// discard skips n bytes of the volume, buffered or not.
func (p *Parser) discard(n int64) {
	if n <= 0 {
		return
	}
	if n < int64(len(p.buf)) {
		p.buf = p.buf[n:]
	} else {
		p.buf = nil
	}
	p.pos += n
}

func (p *Parser) nextVolume() {
	p.volume++
	p.buf = nil
	p.pos = 0
	p.signed = false
}
