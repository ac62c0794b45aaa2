package rar

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
)

// RAR 5.0 header types and flags.
const (
	head5Main       = 1
	head5File       = 2
	head5Service    = 3
	head5Encryption = 4
	head5End        = 5

	flag5Extra      = 0x0001
	flag5Data       = 0x0002
	flag5SplitPrev  = 0x0008
	flag5SplitAfter = 0x0010

	main5Volume = 0x0001

	file5Dir         = 0x0001
	file5MTime       = 0x0002
	file5CRC         = 0x0004
	file5UnknownSize = 0x0008

	extra5Encryption = 0x01

	end5NotLast = 0x0001

	// header size is a vint of at most 3 bytes
	max5HeaderSize = 2 << 20
)

func parseBlock5(b []byte) (block, bool, error) {
	if len(b) < 5 {
		return block{}, false, nil
	}
	hsize, n := uvarint(b[4:])
	switch {
	case n == 0:
		if len(b)-4 >= 3 {
			return block{}, false, fmt.Errorf("%w: header size does not terminate", ErrCorruptHeader)
		}
		return block{}, false, nil
	case n > 3 || hsize == 0 || hsize > max5HeaderSize:
		return block{}, false, fmt.Errorf("%w: header size %d", ErrCorruptHeader, hsize)
	}

	total := 4 + n + int(hsize)
	if len(b) < total {
		return block{}, false, nil
	}
	if want := binary.LittleEndian.Uint32(b); crc32.ChecksumIEEE(b[4:total]) != want {
		return block{}, false, ErrHeaderCRC
	}

	r := &reader{b: b[4+n : total]}
	typ := r.vint()
	flags := r.vint()
	var extraSize, dataSize uint64
	if flags&flag5Extra != 0 {
		extraSize = r.vint()
	}
	if flags&flag5Data != 0 {
		dataSize = r.vint()
	}
	if r.err != nil {
		return block{}, false, r.err
	}
	if dataSize > math.MaxInt64 {
		return block{}, false, fmt.Errorf("%w: data area of %d bytes", ErrCorruptHeader, dataSize)
	}
	if extraSize > uint64(len(r.b)-r.off) {
		return block{}, false, fmt.Errorf("%w: extra area of %d bytes", ErrCorruptHeader, extraSize)
	}
	extra := r.b[len(r.b)-int(extraSize):]

	bl := block{size: total, data: int64(dataSize)}
	switch typ {
	case head5Main:
		bl.kind = blockMain
		bl.volume = r.vint()&main5Volume != 0
	case head5Encryption:
		bl.kind = blockMain
		bl.encrypted = true
	case head5File:
		fh := parseFile5(r)
		fh.splitBefore = flags&flag5SplitPrev != 0
		fh.splitAfter = flags&flag5SplitAfter != 0
		fh.encrypted = hasEncryptionRecord(extra)
		if fh.size < 0 {
			if !fh.sizeUnknown {
				return block{}, false, fmt.Errorf("%w: file size overflows", ErrCorruptHeader)
			}
			fh.size = 0
		}
		bl.kind = blockFile
		bl.file = fh
	case head5Service:
		// comments, quick-open data and the like
	case head5End:
		bl.kind = blockEnd
		bl.nextVolume = r.vint()&end5NotLast != 0
	}
	if r.err != nil {
		return block{}, false, r.err
	}
	return bl, true, nil
}

func parseFile5(r *reader) fileHeader {
	fileFlags := r.vint()
	unpacked := r.vint()
	r.vint() // attributes
	if fileFlags&file5MTime != 0 {
		r.skip(4)
	}
	if fileFlags&file5CRC != 0 {
		r.skip(4)
	}
	comp := r.vint()
	r.vint() // host os
	nameLen := r.vint()
	name := r.bytes(nameLen)

	fh := fileHeader{
		name:        string(name),
		size:        int64(unpacked),
		sizeUnknown: fileFlags&file5UnknownSize != 0,
		method:      MethodOther,
		dir:         fileFlags&file5Dir != 0,
	}
	if (comp>>7)&0x7 == 0 {
		fh.method = MethodStore
	}
	return fh
}

func hasEncryptionRecord(extra []byte) bool {
	r := &reader{b: extra}
	for r.off < len(r.b) && r.err == nil {
		size := r.vint()
		if r.err != nil || size == 0 || size > uint64(len(r.b)-r.off) {
			return false
		}
		rec := &reader{b: r.bytes(size)}
		if rec.vint() == extra5Encryption {
			return true
		}
	}
	return false
}

// uvarint decodes a RAR5 vint: 7 bits per byte, low group first. n is 0 when
// the input ends before the last byte.
func uvarint(b []byte) (v uint64, n int) {
	for i := 0; i < len(b) && i < 10; i++ {
		v |= uint64(b[i]&0x7F) << (7 * i)
		if b[i]&0x80 == 0 {
			return v, i + 1
		}
	}
	return 0, 0
}

type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) vint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := uvarint(r.b[r.off:])
	if n == 0 {
		r.err = fmt.Errorf("%w: truncated vint", ErrCorruptHeader)
		return 0
	}
	r.off += n
	return v
}

func (r *reader) bytes(n uint64) []byte {
	if r.err != nil {
		return nil
	}
	if n > uint64(len(r.b)-r.off) {
		r.err = fmt.Errorf("%w: field runs past header", ErrCorruptHeader)
		return nil
	}
	out := r.b[r.off : r.off+int(n)]
	r.off += int(n)
	return out
}

func (r *reader) skip(n uint64) { r.bytes(n) }
