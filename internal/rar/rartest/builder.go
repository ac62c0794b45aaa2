// Package rartest builds small RAR4 and RAR5 volume sets in memory.
package rartest

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
)

type File struct {
	Name string
	Data []byte
	// Compressed writes a non-store method while still storing Data as is.
	Compressed bool
	Encrypted  bool
}

type Archive struct {
	Files []File
	// VolumeData caps the file bytes per volume. Zero keeps one volume.
	VolumeData int
	// Prefix is written ahead of the first signature, like an SFX stub.
	Prefix []byte
}

type chunk struct {
	file        File
	data        []byte
	splitBefore bool
	splitAfter  bool
}

// layout cuts the files into per-volume chunks.
func (a Archive) layout() [][]chunk {
	var (
		vols [][]chunk
		cur  []chunk
		used int
	)
	for fi, f := range a.Files {
		rest := f.Data
		first := true
		for {
			n := len(rest)
			if a.VolumeData > 0 && n > a.VolumeData-used {
				n = a.VolumeData - used
			}
			c := chunk{file: f, data: rest[:n], splitBefore: !first, splitAfter: n < len(rest)}
			cur = append(cur, c)
			used += n
			rest = rest[n:]
			first = false

			full := a.VolumeData > 0 && used >= a.VolumeData
			if c.splitAfter || (full && fi < len(a.Files)-1) {
				vols = append(vols, cur)
				cur, used = nil, 0
			}
			if !c.splitAfter {
				break
			}
		}
	}
	if len(cur) > 0 || len(vols) == 0 {
		vols = append(vols, cur)
	}
	return vols
}

// RAR4 returns the volumes of a RAR 1.5-4.x archive.
func (a Archive) RAR4() [][]byte {
	vols := a.layout()
	multi := len(vols) > 1
	out := make([][]byte, len(vols))
	for i, chunks := range vols {
		var buf bytes.Buffer
		if i == 0 {
			buf.Write(a.Prefix)
		}
		buf.Write([]byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x00})

		mainFlags := uint16(0)
		if multi {
			mainFlags |= 0x0001
		}
		buf.Write(header4(0x73, mainFlags, make([]byte, 6)))

		for _, c := range chunks {
			buf.Write(file4(c))
			buf.Write(c.data)
		}

		endFlags := uint16(0)
		if i < len(vols)-1 {
			endFlags |= 0x0001
		}
		buf.Write(header4(0x7B, endFlags, nil))
		out[i] = buf.Bytes()
	}
	return out
}

func header4(typ byte, flags uint16, body []byte) []byte {
	h := make([]byte, 7+len(body))
	h[2] = typ
	binary.LittleEndian.PutUint16(h[3:], flags)
	binary.LittleEndian.PutUint16(h[5:], uint16(len(h)))
	copy(h[7:], body)
	binary.LittleEndian.PutUint16(h, uint16(crc32.ChecksumIEEE(h[2:])))
	return h
}

func file4(c chunk) []byte {
	flags := uint16(0x8000)
	if c.splitBefore {
		flags |= 0x0001
	}
	if c.splitAfter {
		flags |= 0x0002
	}
	if c.file.Encrypted {
		flags |= 0x0004
	}
	method := byte(0x30)
	if c.file.Compressed {
		method = 0x33
	}

	body := make([]byte, 25+len(c.file.Name))
	binary.LittleEndian.PutUint32(body[0:], uint32(len(c.data)))
	binary.LittleEndian.PutUint32(body[4:], uint32(len(c.file.Data)))
	body[8] = 2 // windows
	binary.LittleEndian.PutUint32(body[9:], crc32.ChecksumIEEE(c.data))
	body[17] = 29
	body[18] = method
	binary.LittleEndian.PutUint16(body[19:], uint16(len(c.file.Name)))
	binary.LittleEndian.PutUint32(body[21:], 0x20)
	copy(body[25:], c.file.Name)
	return header4(0x74, flags, body)
}

// RAR5 returns the volumes of a RAR 5.0 archive.
func (a Archive) RAR5() [][]byte {
	vols := a.layout()
	multi := len(vols) > 1
	out := make([][]byte, len(vols))
	for i, chunks := range vols {
		var buf bytes.Buffer
		if i == 0 {
			buf.Write(a.Prefix)
		}
		buf.Write([]byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x01, 0x00})

		archiveFlags := uint64(0)
		if multi {
			archiveFlags |= 0x0001
		}
		buf.Write(header5(1, 0, vint(archiveFlags), nil, -1))

		for _, c := range chunks {
			buf.Write(file5(c))
			buf.Write(c.data)
		}

		endFlags := uint64(0)
		if i < len(vols)-1 {
			endFlags |= 0x0001
		}
		buf.Write(header5(5, 0, vint(endFlags), nil, -1))
		out[i] = buf.Bytes()
	}
	return out
}

// header5 frames a RAR5 header. data < 0 leaves out the data area field.
func header5(typ, flags uint64, body, extra []byte, data int) []byte {
	var f []byte
	f = append(f, vint(typ)...)
	if len(extra) > 0 {
		flags |= 0x0001
	}
	if data >= 0 {
		flags |= 0x0002
	}
	f = append(f, vint(flags)...)
	if len(extra) > 0 {
		f = append(f, vint(uint64(len(extra)))...)
	}
	if data >= 0 {
		f = append(f, vint(uint64(data))...)
	}
	f = append(f, body...)
	f = append(f, extra...)

	block := append(vint(uint64(len(f))), f...)
	out := make([]byte, 4, 4+len(block))
	binary.LittleEndian.PutUint32(out, crc32.ChecksumIEEE(block))
	return append(out, block...)
}

func file5(c chunk) []byte {
	flags := uint64(0)
	if c.splitBefore {
		flags |= 0x0008
	}
	if c.splitAfter {
		flags |= 0x0010
	}

	var body []byte
	body = append(body, vint(0x0004)...) // crc present
	body = append(body, vint(uint64(len(c.file.Data)))...)
	body = append(body, vint(0x20)...)
	body = binary.LittleEndian.AppendUint32(body, crc32.ChecksumIEEE(c.file.Data))
	comp := uint64(0)
	if c.file.Compressed {
		comp = 3 << 7
	}
	body = append(body, vint(comp)...)
	body = append(body, vint(0)...)
	body = append(body, vint(uint64(len(c.file.Name)))...)
	body = append(body, c.file.Name...)

	var extra []byte
	if c.file.Encrypted {
		rec := append(vint(0x01), vint(0)...) // type, version
		rec = append(rec, vint(0)...)         // flags
		rec = append(rec, make([]byte, 33)...)
		extra = append(vint(uint64(len(rec))), rec...)
	}
	return header5(2, flags, body, extra, len(c.data))
}

func vint(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}
