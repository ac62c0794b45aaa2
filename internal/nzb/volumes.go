package nzb

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/datallboy/nzbstream/internal/domain"
)

var ErrMissingVolume = errors.New("rar volume missing from nzb")

var (
	rePart   = regexp.MustCompile(`(?i)^(.*)\.part(\d+)\.rar$`)
	reRar    = regexp.MustCompile(`(?i)^(.*)\.rar$`)
	reOldVol = regexp.MustCompile(`(?i)^(.*)\.([rs])(\d{2,3})$`)
)

// ignored never belong to a volume set.
var ignored = map[string]bool{".par2": true, ".nfo": true, ".sfv": true, ".nzb": true, ".srr": true}

// VolumeNumber places a file name in its RAR set. Old-style sets run .rar,
// .r00 ... .r99, .s00; new-style sets run .part01.rar, .part02.rar.
func VolumeNumber(name string) (set string, n int, ok bool) {
	if ignored[strings.ToLower(path.Ext(name))] {
		return "", 0, false
	}
	if m := rePart.FindStringSubmatch(name); m != nil {
		n, _ := strconv.Atoi(m[2])
		return strings.ToLower(m[1]), n, true
	}
	if m := reRar.FindStringSubmatch(name); m != nil {
		return strings.ToLower(m[1]), 0, true
	}
	if m := reOldVol.FindStringSubmatch(name); m != nil {
		n, _ := strconv.Atoi(m[3])
		if strings.EqualFold(m[2], "s") {
			n += 100
		}
		return strings.ToLower(m[1]), n + 1, true
	}
	return "", 0, false
}

// Describe converts one NZB file into a FileDescriptor with 0-based,
// contiguous segment indices.
func Describe(f File) (domain.FileDescriptor, error) {
	fd := domain.FileDescriptor{
		Name:     FileName(f.Subject),
		Subject:  f.Subject,
		Groups:   f.Groups,
		Segments: make([]domain.Segment, 0, len(f.Segments)),
	}
	for _, s := range f.Segments {
		fd.Segments = append(fd.Segments, domain.Segment{
			ArticleID: s.MessageID,
			Size:      s.Bytes,
			Index:     s.Number - 1,
		})
	}
	if err := fd.Normalize(); err != nil {
		return fd, err
	}
	return fd, nil
}

// Volumes picks the largest RAR set in the NZB and returns its volumes in
// order. PAR2, NFO and SFV files are skipped.
func Volumes(m *Model) ([]domain.FileDescriptor, error) {
	type volume struct {
		n    int
		file File
	}
	sets := make(map[string][]volume)
	sizes := make(map[string]int64)
	for _, f := range m.Files {
		set, n, ok := VolumeNumber(FileName(f.Subject))
		if !ok {
			continue
		}
		sets[set] = append(sets[set], volume{n: n, file: f})
		sizes[set] += f.TotalSize()
	}
	if len(sets) == 0 {
		return nil, ErrNoArchive
	}

	best := ""
	for set := range sets {
		if _, ok := sets[best]; !ok || sizes[set] > sizes[best] || (sizes[set] == sizes[best] && set < best) {
			best = set
		}
	}
	vols := sets[best]
	sort.Slice(vols, func(i, j int) bool { return vols[i].n < vols[j].n })

	out := make([]domain.FileDescriptor, 0, len(vols))
	for i, v := range vols {
		if i > 0 && v.n != vols[i-1].n+1 {
			if v.n == vols[i-1].n {
				return nil, fmt.Errorf("%s: volume %d posted twice", best, v.n)
			}
			return nil, fmt.Errorf("%w: %s has no volume %d", ErrMissingVolume, best, vols[i-1].n+1)
		}
		fd, err := Describe(v.file)
		if err != nil {
			return nil, err
		}
		out = append(out, fd)
	}
	return out, nil
}
