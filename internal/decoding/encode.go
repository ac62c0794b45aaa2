package decoding

import (
	"bytes"
	"fmt"
	"hash/crc32"
)

const defaultLineLength = 128

// EncodeOptions describes the article being produced. A zero Begin means a
// single-part post without a =ypart line.
type EncodeOptions struct {
	Name       string
	FileSize   int64
	Part       int
	Total      int
	Begin      int64
	LineLength int
	// BadCRC writes a wrong pcrc32 so callers can exercise mismatch handling.
	BadCRC bool
}

// Encode produces a yEnc article body for data. It is used by the fake
// server and tests; the streaming path only ever decodes.
func Encode(data []byte, opts EncodeOptions) []byte {
	lineLen := opts.LineLength
	if lineLen <= 0 {
		lineLen = defaultLineLength
	}
	if opts.FileSize == 0 {
		opts.FileSize = int64(len(data))
	}

	var buf bytes.Buffer
	buf.Grow(len(data) + len(data)/32 + 256)

	if opts.Begin > 0 {
		fmt.Fprintf(&buf, "=ybegin part=%d total=%d line=%d size=%d name=%s\r\n",
			opts.Part, opts.Total, lineLen, opts.FileSize, opts.Name)
		fmt.Fprintf(&buf, "=ypart begin=%d end=%d\r\n", opts.Begin, opts.Begin+int64(len(data))-1)
	} else {
		fmt.Fprintf(&buf, "=ybegin line=%d size=%d name=%s\r\n", lineLen, opts.FileSize, opts.Name)
	}

	col := 0
	for i, b := range data {
		enc := b + 42
		last := i == len(data)-1 || col == lineLen-1
		if needsEscape(enc, col, last) {
			buf.WriteByte('=')
			buf.WriteByte(enc + 64)
			col += 2
		} else {
			buf.WriteByte(enc)
			col++
		}
		if col >= lineLen {
			buf.WriteString("\r\n")
			col = 0
		}
	}
	if col > 0 {
		buf.WriteString("\r\n")
	}

	crc := crc32.ChecksumIEEE(data)
	if opts.BadCRC {
		crc ^= 0xFFFFFFFF
	}
	if opts.Begin > 0 {
		fmt.Fprintf(&buf, "=yend size=%d part=%d pcrc32=%08x\r\n", len(data), opts.Part, crc)
	} else {
		fmt.Fprintf(&buf, "=yend size=%d crc32=%08x\r\n", len(data), crc)
	}
	return buf.Bytes()
}

func needsEscape(b byte, col int, last bool) bool {
	switch b {
	case 0x00, '\n', '\r', '=':
		return true
	case '\t', ' ':
		return col == 0 || last
	case '.':
		return col == 0
	}
	return false
}
