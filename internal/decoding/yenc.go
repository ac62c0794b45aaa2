package decoding

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
)

var (
	ErrHeaderNotFound = errors.New("yenc header not found")
	ErrBadHeader      = errors.New("malformed yenc header")
)

// Status is the integrity verdict for a decoded article.
type Status int

const (
	// StatusUnverified means the trailer carried no usable checksum.
	StatusUnverified Status = iota
	StatusVerified
	StatusMismatch
)

func (s Status) String() string {
	switch s {
	case StatusVerified:
		return "verified"
	case StatusMismatch:
		return "mismatch"
	default:
		return "unverified"
	}
}

// Part is one decoded yEnc article.
type Part struct {
	Name string
	// FileSize is the size of the whole posted file from =ybegin.
	FileSize int64
	Part     int
	Total    int
	// Begin and End are the 1-based inclusive file offsets from =ypart.
	// Both are zero for single-part posts.
	Begin int64
	End   int64

	Data        []byte
	ExpectedCRC uint32
	HasCRC      bool
	Status      Status
	// Truncated is set when no =yend line was found.
	Truncated bool
}

// Offset is the 0-based position of this part within the posted file.
func (p *Part) Offset() int64 {
	if p.Begin > 0 {
		return p.Begin - 1
	}
	return 0
}

// Multipart reports whether the article carried a =ypart line.
func (p *Part) Multipart() bool { return p.Begin > 0 }

// Decode turns an article body (already un-dot-stuffed) into the original
// bytes. A checksum mismatch is reported through Status, not as an error.
func Decode(raw []byte) (*Part, error) {
	p := &Part{}

	// Skip anything before =ybegin (some posters prepend text)
	rest := raw
	found := false
	for len(rest) > 0 {
		line, next := cutLine(rest)
		rest = next
		if bytes.HasPrefix(line, []byte("=ybegin ")) {
			if err := p.parseBegin(string(line)); err != nil {
				return nil, err
			}
			found = true
			break
		}
	}
	if !found {
		return nil, ErrHeaderNotFound
	}

	// Optional =ypart line
	if line, next := cutLine(rest); bytes.HasPrefix(line, []byte("=ypart ")) {
		if err := p.parsePart(string(line)); err != nil {
			return nil, err
		}
		rest = next
	}

	expected := p.FileSize
	if p.Multipart() {
		expected = p.End - p.Begin + 1
	}
	if expected <= 0 || expected > int64(len(rest)) {
		expected = int64(len(rest))
	}
	out := make([]byte, 0, expected)

	p.Truncated = true
	for len(rest) > 0 {
		line, next := cutLine(rest)
		rest = next
		if bytes.HasPrefix(line, []byte("=yend")) {
			p.parseEnd(string(line))
			p.Truncated = false
			break
		}
		out = decodeLine(out, line)
	}

	p.Data = out
	if p.HasCRC {
		if crc32.ChecksumIEEE(out) == p.ExpectedCRC {
			p.Status = StatusVerified
		} else {
			p.Status = StatusMismatch
		}
	}
	return p, nil
}

// decodeLine appends the decoded bytes of one encoded line to dst.
func decodeLine(dst, line []byte) []byte {
	escaped := false
	for _, b := range line {
		if escaped {
			dst = append(dst, b-64-42)
			escaped = false
			continue
		}
		switch b {
		case '=':
			escaped = true
		case '\r', '\n':
			// line endings are never data unless escaped
		default:
			dst = append(dst, b-42)
		}
	}
	return dst
}

// cutLine splits off the first line, without its '\n'.
func cutLine(b []byte) (line, rest []byte) {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		return b[:i], b[i+1:]
	}
	return b, nil
}

func (p *Part) parseBegin(line string) error {
	// name= is always last and may contain spaces
	if i := strings.Index(line, " name="); i >= 0 {
		p.Name = strings.TrimSpace(line[i+len(" name="):])
		line = line[:i]
	}

	for key, val := range fields(line) {
		var err error
		switch key {
		case "size":
			p.FileSize, err = strconv.ParseInt(val, 10, 64)
		case "part":
			p.Part, err = strconv.Atoi(val)
		case "total":
			p.Total, err = strconv.Atoi(val)
		}
		if err != nil {
			return fmt.Errorf("%w: %s=%s", ErrBadHeader, key, val)
		}
	}
	return nil
}

func (p *Part) parsePart(line string) error {
	for key, val := range fields(line) {
		var err error
		switch key {
		case "begin":
			p.Begin, err = strconv.ParseInt(val, 10, 64)
		case "end":
			p.End, err = strconv.ParseInt(val, 10, 64)
		}
		if err != nil {
			return fmt.Errorf("%w: %s=%s", ErrBadHeader, key, val)
		}
	}
	if p.Begin <= 0 || p.End < p.Begin {
		return fmt.Errorf("%w: ypart begin=%d end=%d", ErrBadHeader, p.Begin, p.End)
	}
	return nil
}

// parseEnd picks the part checksum. crc32= only describes this article
// when the post is single-part.
func (p *Part) parseEnd(line string) {
	kv := fields(line)
	if val, ok := kv["pcrc32"]; ok {
		if crc, err := strconv.ParseUint(val, 16, 32); err == nil {
			p.ExpectedCRC, p.HasCRC = uint32(crc), true
			return
		}
	}
	if p.Multipart() {
		return
	}
	if val, ok := kv["crc32"]; ok {
		if crc, err := strconv.ParseUint(val, 16, 32); err == nil {
			p.ExpectedCRC, p.HasCRC = uint32(crc), true
		}
	}
}

func fields(line string) map[string]string {
	kv := make(map[string]string)
	for _, f := range strings.Fields(line) {
		if k, v, ok := strings.Cut(f, "="); ok && k != "" {
			kv[k] = v
		}
	}
	return kv
}
