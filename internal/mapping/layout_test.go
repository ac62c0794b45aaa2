package mapping

import (
	"errors"
	"testing"
)

func TestCalibrate(t *testing.T) {
	// encoded sizes in the NZB are larger than the decoded parts
	segs := segments("c", 768000, 768000, 301000)

	l, err := Calibrate("x.r00", segs, 1_800_000, 750_000)
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if l.Size() != 1_800_000 || l.SegmentSize(0) != 750_000 || l.SegmentSize(2) != 300_000 {
		t.Errorf("layout = size %d parts %d/%d", l.Size(), l.SegmentSize(0), l.SegmentSize(2))
	}
	if l.Start(2) != 1_500_000 {
		t.Errorf("start of last part = %d", l.Start(2))
	}
}

func TestCalibrate_rejectsImpossibleLayouts(t *testing.T) {
	cases := []struct {
		name           string
		n              int
		file, partSize int64
	}{
		{"no segments", 0, 10, 10},
		{"empty first part", 2, 10, 0},
		{"too small", 3, 100, 60},
		{"too large", 2, 300, 100},
		{"single part size disagrees", 1, 200, 100},
	}
	for _, tc := range cases {
		sizes := make([]int64, tc.n)
		if _, err := Calibrate("v", segments("x", sizes...), tc.file, tc.partSize); !errors.Is(err, ErrLayout) {
			t.Errorf("%s: expected ErrLayout, got %v", tc.name, err)
		}
	}

	if l, err := Calibrate("v", segments("x", 1), 0, 500); err != nil || l.Size() != 500 {
		t.Errorf("single-part post without a size: %v %v", l, err)
	}
}

func TestLayout_Locate(t *testing.T) {
	l := NewLayout("v", segments("l", 10, 20, 30))

	cases := []struct {
		offset int64
		seg    int
		within int64
	}{
		{0, 0, 0}, {9, 0, 9}, {10, 1, 0}, {29, 1, 19}, {30, 2, 0}, {59, 2, 29},
	}
	for _, tc := range cases {
		seg, within, ok := l.Locate(tc.offset)
		if !ok || seg != tc.seg || within != tc.within {
			t.Errorf("Locate(%d) = %d %d %v", tc.offset, seg, within, ok)
		}
	}
	if _, _, ok := l.Locate(60); ok {
		t.Error("offset at the end should be outside")
	}
}
