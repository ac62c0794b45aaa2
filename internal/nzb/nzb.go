package nzb

import (
	"encoding/xml"
	"strings"
)

type Model struct {
	XMLName xml.Name `xml:"nzb"`
	Meta    []Meta   `xml:"head>meta"`
	Files   []File   `xml:"file"`
}

type Meta struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

type File struct {
	Subject  string    `xml:"subject,attr"`
	Poster   string    `xml:"poster,attr"`
	Date     int64     `xml:"date,attr"`
	Groups   []string  `xml:"groups>group"`
	Segments []Segment `xml:"segments>segment"`
}

type Segment struct {
	XMLName   xml.Name `xml:"segment"`
	Number    int      `xml:"number,attr"`
	Bytes     int64    `xml:"bytes,attr"`
	MessageID string   `xml:",chardata"`
}

// Head returns the first <meta> value of the given type, e.g. "title" or
// "password".
func (m *Model) Head(typ string) string {
	for _, meta := range m.Meta {
		if strings.EqualFold(meta.Type, typ) {
			return strings.TrimSpace(meta.Value)
		}
	}
	return ""
}

func (m *Model) TotalSize() int64 {
	var total int64
	for _, f := range m.Files {
		total += f.TotalSize()
	}
	return total
}

func (f *File) TotalSize() int64 {
	var total int64
	for _, s := range f.Segments {
		total += s.Bytes
	}
	return total
}
