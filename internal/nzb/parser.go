package nzb

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/ianaindex"
)

type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

// Parse reads an NZB document. Message ids lose any surrounding whitespace
// and angle brackets.
func (p *Parser) Parse(r io.Reader) (*Model, error) {
	var m Model
	decoder := xml.NewDecoder(r)
	decoder.CharsetReader = charsetReader
	if err := decoder.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if len(m.Files) == 0 {
		return nil, ErrEmpty
	}

	for i := range m.Files {
		for j := range m.Files[i].Segments {
			s := &m.Files[i].Segments[j]
			s.MessageID = strings.Trim(strings.TrimSpace(s.MessageID), "<>")
		}
	}
	return &m, nil
}

// Older posters still declare iso-8859-1 or windows-1252.
func charsetReader(label string, input io.Reader) (io.Reader, error) {
	enc, err := ianaindex.IANA.Encoding(label)
	if err != nil {
		return nil, fmt.Errorf("nzb charset %q: %w", label, err)
	}
	if enc == nil {
		return input, nil
	}
	return enc.NewDecoder().Reader(input), nil
}
