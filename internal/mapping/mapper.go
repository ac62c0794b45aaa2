package mapping

import (
	"errors"
	"fmt"

	"github.com/datallboy/nzbstream/internal/rar"
)

var ErrOutOfRange = errors.New("range outside the entry")

// Fetch is one slice of one decoded article that a read needs.
type Fetch struct {
	ArticleID string
	Volume    int
	Segment   int
	// Offset and Length address the decoded article.
	Offset int64
	Length int64
	// Dest is where the slice lands relative to the start of the range.
	Dest int64
}

// Map turns the entry range [start, end) into article slices ordered by Dest,
// with no gaps or overlaps. It does no I/O.
func Map(entry *rar.FileEntry, vols []*Layout, start, end int64) ([]Fetch, error) {
	var out []Fetch
	err := Walk(entry, vols, start, end, func(f Fetch) bool {
		out = append(out, f)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Walk yields the slices of Map one at a time until fn returns false.
func Walk(entry *rar.FileEntry, vols []*Layout, start, end int64, fn func(Fetch) bool) error {
	if err := entry.Usable(); err != nil {
		return err
	}
	if start < 0 || end < start || end > entry.Size {
		return fmt.Errorf("%w: [%d, %d) of %d", ErrOutOfRange, start, end, entry.Size)
	}

	var (
		pos  int64 // entry offset at the start of the current span
		dest int64
	)
	for _, span := range entry.Spans {
		spanEnd := pos + span.Length
		if spanEnd <= start {
			pos = spanEnd
			continue
		}
		if pos >= end {
			break
		}
		if span.Volume >= len(vols) || vols[span.Volume] == nil {
			return fmt.Errorf("%w: span in volume %d, have %d", ErrLayout, span.Volume, len(vols))
		}
		vol := vols[span.Volume]

		from := max(start, pos) - pos + span.Offset
		to := min(end, spanEnd) - pos + span.Offset
		if to > vol.Size() {
			return fmt.Errorf("%w: span ends at %d, %s holds %d", ErrLayout, to, vol.Name, vol.Size())
		}

		seg, within, _ := vol.Locate(from)
		for off := from; off < to; seg++ {
			n := min(vol.SegmentSize(seg)-within, to-off)
			f := Fetch{
				ArticleID: vol.Segments[seg].ArticleID,
				Volume:    span.Volume,
				Segment:   seg,
				Offset:    within,
				Length:    n,
				Dest:      dest,
			}
			if !fn(f) {
				return nil
			}
			off += n
			dest += n
			within = 0
		}
		pos = spanEnd
	}
	return nil
}

// Articles lists the distinct article ids behind a range, in read order.
func Articles(fetches []Fetch) []string {
	ids := make([]string, 0, len(fetches))
	for i, f := range fetches {
		if i > 0 && fetches[i-1].ArticleID == f.ArticleID {
			continue
		}
		ids = append(ids, f.ArticleID)
	}
	return ids
}
