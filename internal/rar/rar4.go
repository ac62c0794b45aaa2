package rar

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// RAR 1.5-4.x block types and flags.
const (
	head4Main   = 0x73
	head4File   = 0x74
	head4NewSub = 0x7A
	head4End    = 0x7B

	flag4LongBlock = 0x8000

	main4Volume    = 0x0001
	main4Encrypted = 0x0080

	file4SplitBefore = 0x0001
	file4SplitAfter  = 0x0002
	file4Password    = 0x0004
	file4DirMask     = 0x00E0
	file4Large       = 0x0100
	file4Unicode     = 0x0200

	end4NextVolume = 0x0001

	method4Store = 0x30

	file4Fixed = 32
)

func parseBlock4(b []byte) (block, bool, error) {
	if len(b) < 7 {
		return block{}, false, nil
	}
	typ := b[2]
	flags := binary.LittleEndian.Uint16(b[3:])
	size := int(binary.LittleEndian.Uint16(b[5:]))
	if size < 7 {
		return block{}, false, fmt.Errorf("%w: header size %d", ErrCorruptHeader, size)
	}
	if len(b) < size {
		return block{}, false, nil
	}

	h := b[:size]
	if want := binary.LittleEndian.Uint16(h); uint16(crc32.ChecksumIEEE(h[2:])) != want {
		return block{}, false, fmt.Errorf("%w: type %#x", ErrHeaderCRC, typ)
	}

	bl := block{size: size}
	if flags&flag4LongBlock != 0 {
		if size < 11 {
			return block{}, false, fmt.Errorf("%w: long block of %d bytes", ErrCorruptHeader, size)
		}
		bl.data = int64(binary.LittleEndian.Uint32(h[7:]))
	}

	switch typ {
	case head4Main:
		bl.kind = blockMain
		bl.volume = flags&main4Volume != 0
		bl.encrypted = flags&main4Encrypted != 0
	case head4File:
		fh, data, err := parseFile4(h, flags)
		if err != nil {
			return block{}, false, err
		}
		bl.kind = blockFile
		bl.file = fh
		bl.data = data
	case head4NewSub:
		if flags&file4Large != 0 && size >= file4Fixed+8 {
			bl.data |= int64(binary.LittleEndian.Uint32(h[file4Fixed:])) << 32
			if bl.data < 0 {
				return block{}, false, fmt.Errorf("%w: data area overflows", ErrCorruptHeader)
			}
		}
	case head4End:
		bl.kind = blockEnd
		bl.nextVolume = flags&end4NextVolume != 0
	}
	return bl, true, nil
}

// parseFile4 reads a FILE_HEAD block and returns it with its packed size.
func parseFile4(h []byte, flags uint16) (fileHeader, int64, error) {
	if len(h) < file4Fixed {
		return fileHeader{}, 0, fmt.Errorf("%w: file header of %d bytes", ErrCorruptHeader, len(h))
	}

	packed := int64(binary.LittleEndian.Uint32(h[7:]))
	unpacked := int64(binary.LittleEndian.Uint32(h[11:]))
	method := h[25]
	nameLen := int(binary.LittleEndian.Uint16(h[26:]))

	off := file4Fixed
	if flags&file4Large != 0 {
		if len(h) < off+8 {
			return fileHeader{}, 0, fmt.Errorf("%w: missing 64-bit sizes", ErrCorruptHeader)
		}
		packed |= int64(binary.LittleEndian.Uint32(h[off:])) << 32
		unpacked |= int64(binary.LittleEndian.Uint32(h[off+4:])) << 32
		if packed < 0 || unpacked < 0 {
			return fileHeader{}, 0, fmt.Errorf("%w: 64-bit sizes overflow", ErrCorruptHeader)
		}
		off += 8
	}
	if len(h) < off+nameLen {
		return fileHeader{}, 0, fmt.Errorf("%w: name runs past header", ErrCorruptHeader)
	}

	name := h[off : off+nameLen]
	if flags&file4Unicode != 0 {
		// "ascii\x00packed-unicode"; the ascii half is enough to match volumes
		if i := bytes.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}
	}

	fh := fileHeader{
		name:        string(name),
		size:        unpacked,
		method:      MethodOther,
		encrypted:   flags&file4Password != 0,
		dir:         flags&file4DirMask == file4DirMask,
		splitBefore: flags&file4SplitBefore != 0,
		splitAfter:  flags&file4SplitAfter != 0,
	}
	if method == method4Store {
		fh.method = MethodStore
	}
	return fh, packed, nil
}
