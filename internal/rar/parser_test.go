package rar

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"testing"

	"github.com/datallboy/nzbstream/internal/rar/rartest"
)

func payload(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}

func readSpans(vols [][]byte, spans []Span) []byte {
	var out []byte
	for _, s := range spans {
		out = append(out, vols[s.Volume][s.Offset:s.Offset+s.Length]...)
	}
	return out
}

func scanAll(t *testing.T, vols [][]byte, chunk int) []*FileEntry {
	t.Helper()
	entries, err := Scan(context.Background(), BytesSource{Data: vols, Chunk: chunk})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	return entries
}

func TestScan_singleVolume(t *testing.T) {
	a := rartest.Archive{Files: []rartest.File{
		{Name: "movie.mkv", Data: payload(5000, 1)},
		{Name: "sample.txt", Data: payload(40, 9)},
	}}

	for name, vols := range map[string][][]byte{"rar4": a.RAR4(), "rar5": a.RAR5()} {
		t.Run(name, func(t *testing.T) {
			// tiny reads force every header to straddle feeds
			for _, chunk := range []int{0, 5, 64} {
				entries := scanAll(t, vols, chunk)
				if len(entries) != 2 {
					t.Fatalf("chunk %d: got %d entries", chunk, len(entries))
				}
				for i, f := range a.Files {
					e := entries[i]
					if e.Name != f.Name || e.Size != int64(len(f.Data)) || e.Method != MethodStore {
						t.Errorf("chunk %d: entry %d = %+v", chunk, i, e)
					}
					if e.Usable() != nil {
						t.Errorf("entry %s should be usable: %v", e.Name, e.Usable())
					}
					if got := readSpans(vols, e.Spans); !bytes.Equal(got, f.Data) {
						t.Errorf("chunk %d: spans of %s do not point at its bytes", chunk, e.Name)
					}
				}
			}
		})
	}
}

func TestScan_multiVolumeSpans(t *testing.T) {
	data := payload(25000, 3)
	a := rartest.Archive{
		Files:      []rartest.File{{Name: "show.s01e01.mkv", Data: data}},
		VolumeData: 10000,
	}

	for name, vols := range map[string][][]byte{"rar4": a.RAR4(), "rar5": a.RAR5()} {
		t.Run(name, func(t *testing.T) {
			if len(vols) != 3 {
				t.Fatalf("builder made %d volumes", len(vols))
			}
			entries := scanAll(t, vols, 700)
			if len(entries) != 1 {
				t.Fatalf("got %d entries", len(entries))
			}
			e := entries[0]
			if len(e.Spans) != 3 || e.VolumeCount() != 3 {
				t.Fatalf("spans = %+v", e.Spans)
			}
			for i, s := range e.Spans {
				if s.Volume != i {
					t.Errorf("span %d in volume %d", i, s.Volume)
				}
			}
			if e.Spans[0].Length != 10000 || e.Spans[2].Length != 5000 {
				t.Errorf("span lengths = %+v", e.Spans)
			}
			if e.Stored() != e.Size {
				t.Errorf("stored %d of %d", e.Stored(), e.Size)
			}
			if !bytes.Equal(readSpans(vols, e.Spans), data) {
				t.Error("spans do not reassemble the file")
			}
		})
	}
}

func TestScan_filesAcrossVolumeBoundary(t *testing.T) {
	a := rartest.Archive{
		Files: []rartest.File{
			{Name: "a.bin", Data: payload(1500, 1)},
			{Name: "b.bin", Data: payload(1500, 2)},
		},
		VolumeData: 1000,
	}
	vols := a.RAR4()
	entries := scanAll(t, vols, 0)
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}
	for i, f := range a.Files {
		if !bytes.Equal(readSpans(vols, entries[i].Spans), f.Data) {
			t.Errorf("%s does not reassemble", f.Name)
		}
	}
}

func TestScan_signatureBehindStub(t *testing.T) {
	a := rartest.Archive{
		Files:  []rartest.File{{Name: "x.mkv", Data: payload(300, 4)}},
		Prefix: bytes.Repeat([]byte{'M', 'Z'}, 300),
	}
	for name, vols := range map[string][][]byte{"rar4": a.RAR4(), "rar5": a.RAR5()} {
		entries := scanAll(t, vols, 100)
		if len(entries) != 1 || entries[0].Spans[0].Offset <= 600 {
			t.Errorf("%s: entries = %+v", name, entries)
		}
	}
}

func TestScan_notRar(t *testing.T) {
	_, err := Scan(context.Background(), BytesSource{Data: [][]byte{bytes.Repeat([]byte("x"), 4096)}})
	if !errors.Is(err, ErrNotRar) {
		t.Fatalf("expected ErrNotRar, got %v", err)
	}

	// signature too far in
	a := rartest.Archive{Files: []rartest.File{{Name: "x", Data: []byte("y")}}, Prefix: make([]byte, 2000)}
	if _, err := Scan(context.Background(), BytesSource{Data: a.RAR4()}); !errors.Is(err, ErrNotRar) {
		t.Fatalf("expected ErrNotRar for a far signature, got %v", err)
	}
}

func TestScan_compressedEntryIsUnusable(t *testing.T) {
	a := rartest.Archive{Files: []rartest.File{
		{Name: "packed.mkv", Data: payload(800, 5), Compressed: true},
		{Name: "plain.mkv", Data: payload(800, 6)},
	}}
	for name, vols := range map[string][][]byte{"rar4": a.RAR4(), "rar5": a.RAR5()} {
		entries := scanAll(t, vols, 0)
		if len(entries) != 2 {
			t.Fatalf("%s: got %d entries", name, len(entries))
		}
		if entries[0].Method != MethodOther || !errors.Is(entries[0].Usable(), ErrUnsupportedCompression) {
			t.Errorf("%s: compressed entry = %+v", name, entries[0])
		}
		if err := entries[1].Usable(); err != nil {
			t.Errorf("%s: the stored entry next to it should still work: %v", name, err)
		}
	}
}

func TestScan_encryptedEntry(t *testing.T) {
	a := rartest.Archive{Files: []rartest.File{{Name: "secret.mkv", Data: payload(100, 7), Encrypted: true}}}
	for name, vols := range map[string][][]byte{"rar4": a.RAR4(), "rar5": a.RAR5()} {
		entries := scanAll(t, vols, 0)
		if len(entries) != 1 || !errors.Is(entries[0].Usable(), ErrEncrypted) {
			t.Errorf("%s: entries = %+v", name, entries)
		}
	}
}

func TestScan_headerChecksum(t *testing.T) {
	a := rartest.Archive{Files: []rartest.File{{Name: "x.mkv", Data: payload(100, 8)}}}
	vols := a.RAR4()
	// flip a byte inside the file name
	i := bytes.Index(vols[0], []byte("x.mkv"))
	vols[0][i] ^= 0xFF

	_, err := Scan(context.Background(), BytesSource{Data: vols})
	var herr *HeaderError
	if !errors.Is(err, ErrHeaderCRC) || !errors.As(err, &herr) {
		t.Fatalf("expected a HeaderError wrapping ErrHeaderCRC, got %v", err)
	}
	if herr.Volume != 0 || herr.Offset != 20 {
		t.Errorf("error position = volume %d offset %d", herr.Volume, herr.Offset)
	}
}

func TestScan_missingVolume(t *testing.T) {
	a := rartest.Archive{Files: []rartest.File{{Name: "big.mkv", Data: payload(3000, 9)}}, VolumeData: 1000}
	vols := a.RAR5()

	_, err := Scan(context.Background(), BytesSource{Data: vols[:2]})
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestParser_headerSplitAcrossFeeds(t *testing.T) {
	a := rartest.Archive{Files: []rartest.File{{Name: "clip.mp4", Data: payload(64, 1)}}}
	vol := a.RAR4()[0]

	p := NewParser()
	// signature, main header and half the file header
	cut := 7 + 13 + 16
	step, err := p.Feed(vol[:cut])
	if err != nil || step.State != StateNeedMore {
		t.Fatalf("first feed: %+v %v", step, err)
	}
	if need := p.Need(); need.Volume != 0 || need.Offset != int64(cut) {
		t.Fatalf("need = %+v", need)
	}

	step, err = p.Feed(vol[cut:])
	if err != nil || step.State != StateEntry || step.Entry.Name != "clip.mp4" {
		t.Fatalf("second feed: %+v %v", step, err)
	}
	if p.Version() != 4 {
		t.Errorf("version = %d", p.Version())
	}

	step, err = p.Feed(nil)
	if err != nil || step.State != StateDone {
		t.Fatalf("after entry: %+v %v", step, err)
	}
}

func TestParser_skipsDataAreas(t *testing.T) {
	a := rartest.Archive{Files: []rartest.File{
		{Name: "one.mkv", Data: payload(10000, 1)},
		{Name: "two.mkv", Data: payload(10, 2)},
	}}
	vol := a.RAR5()[0]

	p := NewParser()
	step, err := p.Feed(vol[:200])
	if err != nil || step.State != StateEntry {
		t.Fatalf("feed: %+v %v", step, err)
	}
	step, _ = p.Feed(nil)
	if step.State != StateNeedMore {
		t.Fatalf("state = %v", step.State)
	}
	if need := p.Need(); need.Offset <= 10000 {
		t.Errorf("parser should ask for the bytes after the data area, asked for %d", need.Offset)
	}
}

func appendVint(b []byte, v uint64) []byte {
	for v >= 0x80 {
		b = append(b, byte(v)|0x80)
		v >>= 7
	}
	return append(b, byte(v))
}

// rar5Header frames fields as one RAR5 header with a valid checksum.
func rar5Header(fields ...uint64) []byte {
	var f []byte
	for _, v := range fields {
		f = appendVint(f, v)
	}
	block := append(appendVint(nil, uint64(len(f))), f...)
	out := binary.LittleEndian.AppendUint32(nil, crc32.ChecksumIEEE(block))
	return append(out, block...)
}

// rar4Header builds a long RAR4 block whose high size words are set by fill.
func rar4Header(typ byte, flags uint16, size int, fill func(h []byte)) []byte {
	h := make([]byte, size)
	h[2] = typ
	binary.LittleEndian.PutUint16(h[3:], flags|flag4LongBlock)
	binary.LittleEndian.PutUint16(h[5:], uint16(size))
	fill(h)
	binary.LittleEndian.PutUint16(h, uint16(crc32.ChecksumIEEE(h[2:])))
	return h
}

func TestParser_hugeDataAreaIsCorrupt(t *testing.T) {
	main4 := make([]byte, 13)
	main4[2] = head4Main
	binary.LittleEndian.PutUint16(main4[5:], 13)
	binary.LittleEndian.PutUint16(main4, uint16(crc32.ChecksumIEEE(main4[2:])))

	cases := map[string][]byte{
		"rar5 service data": bytes.Join([][]byte{
			sigV5,
			rar5Header(head5Main, 0, 0),
			rar5Header(head5Service, flag5Data, 1<<63),
		}, nil),
		"rar5 max data past the volume start": bytes.Join([][]byte{
			sigV5,
			rar5Header(head5Main, 0, 0),
			rar5Header(head5Service, flag5Data, 1<<63-1),
		}, nil),
		"rar4 newsub high word": bytes.Join([][]byte{
			sigV4,
			main4,
			rar4Header(head4NewSub, file4Large, file4Fixed+8, func(h []byte) {
				binary.LittleEndian.PutUint32(h[file4Fixed:], 0x80000000)
			}),
		}, nil),
		"rar4 file packed size": bytes.Join([][]byte{
			sigV4,
			main4,
			rar4Header(head4File, file4Large, file4Fixed+8+1, func(h []byte) {
				h[25] = method4Store
				binary.LittleEndian.PutUint16(h[26:], 1)
				binary.LittleEndian.PutUint32(h[file4Fixed:], 0x80000000)
				h[file4Fixed+8] = 'x'
			}),
		}, nil),
	}
	for name, vol := range cases {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Errorf("%s: parser panicked: %v", name, r)
				}
			}()
			_, err := Scan(context.Background(), BytesSource{Data: [][]byte{vol}})
			var herr *HeaderError
			if !errors.Is(err, ErrCorruptHeader) || !errors.As(err, &herr) {
				t.Errorf("%s: expected a HeaderError wrapping ErrCorruptHeader, got %v", name, err)
			}
		}()
	}
}
