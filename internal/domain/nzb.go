package domain

import (
	"fmt"
	"sort"
)

// Segment is one posted article of a file. Size is the decoded payload size
// when known, otherwise the size advertised by the NZB.
type Segment struct {
	ArticleID string
	Size      int64
	Index     int
}

// FileDescriptor is a single posted file (usually one RAR volume) and its
// articles in posting order.
type FileDescriptor struct {
	Name     string
	Subject  string
	Groups   []string
	Segments []Segment
}

// TotalSize sums the segment sizes.
func (f *FileDescriptor) TotalSize() int64 {
	var total int64
	for _, s := range f.Segments {
		total += s.Size
	}
	return total
}

// Normalize sorts segments by index and checks they run 0..n-1 without holes.
func (f *FileDescriptor) Normalize() error {
	sort.SliceStable(f.Segments, func(i, j int) bool {
		return f.Segments[i].Index < f.Segments[j].Index
	})

	for i, s := range f.Segments {
		if s.Index != i {
			return fmt.Errorf("file %s: segment index %d found at position %d", f.Name, s.Index, i)
		}
		if s.ArticleID == "" {
			return fmt.Errorf("file %s: segment %d has no article id", f.Name, i)
		}
		if s.Size <= 0 {
			return fmt.Errorf("file %s: segment %d has no size", f.Name, i)
		}
	}
	return nil
}
