package mapping

import (
	"errors"
	"fmt"
	"sort"

	"github.com/datallboy/nzbstream/internal/domain"
)

var ErrLayout = errors.New("volume layout does not match its articles")

// Layout holds the decoded byte boundaries of one volume's articles.
type Layout struct {
	Name     string
	Segments []domain.Segment
	// starts[i] is the decoded volume offset of segment i; the last element
	// is the volume size.
	starts []int64
}

// NewLayout trusts Segment.Size as the decoded size of each article.
func NewLayout(name string, segs []domain.Segment) *Layout {
	sizes := make([]int64, len(segs))
	for i, s := range segs {
		sizes[i] = s.Size
	}
	return build(name, segs, sizes)
}

// Calibrate derives the decoded layout from the first article of a volume.
// NZB byte counts are encoded sizes, so they only serve as a segment count:
// posters cut every part to the same decoded size except the last one.
func Calibrate(name string, segs []domain.Segment, fileSize, partSize int64) (*Layout, error) {
	n := int64(len(segs))
	switch {
	case n == 0:
		return nil, fmt.Errorf("%w: %s has no segments", ErrLayout, name)
	case partSize <= 0:
		return nil, fmt.Errorf("%w: %s first article is empty", ErrLayout, name)
	case n == 1:
		if fileSize <= 0 {
			fileSize = partSize
		}
		if fileSize != partSize {
			return nil, fmt.Errorf("%w: %s is one article of %d bytes but declares %d", ErrLayout, name, partSize, fileSize)
		}
		return build(name, segs, []int64{fileSize}), nil
	}

	last := fileSize - partSize*(n-1)
	if last <= 0 || last > partSize {
		return nil, fmt.Errorf("%w: %s declares %d bytes, which %d parts of %d cannot hold",
			ErrLayout, name, fileSize, n, partSize)
	}

	sizes := make([]int64, n)
	for i := range sizes {
		sizes[i] = partSize
	}
	sizes[n-1] = last
	return build(name, segs, sizes), nil
}

func build(name string, segs []domain.Segment, sizes []int64) *Layout {
	l := &Layout{Name: name, Segments: segs, starts: make([]int64, len(segs)+1)}
	for i, s := range sizes {
		l.starts[i+1] = l.starts[i] + s
	}
	return l
}

// Size is the decoded size of the volume.
func (l *Layout) Size() int64 { return l.starts[len(l.starts)-1] }

func (l *Layout) Len() int { return len(l.Segments) }

// Start is the decoded volume offset of segment i.
func (l *Layout) Start(i int) int64 { return l.starts[i] }

// SegmentSize is the decoded size of segment i.
func (l *Layout) SegmentSize(i int) int64 { return l.starts[i+1] - l.starts[i] }

// Locate returns the segment holding the volume offset and the offset within
// that segment. ok is false outside the volume.
func (l *Layout) Locate(offset int64) (seg int, within int64, ok bool) {
	if offset < 0 || offset >= l.Size() {
		return 0, 0, false
	}
	// first start greater than offset, minus one
	seg = sort.Search(len(l.Segments), func(i int) bool { return l.starts[i+1] > offset })
	return seg, offset - l.starts[seg], true
}
