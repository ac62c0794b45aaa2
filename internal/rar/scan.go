package rar

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Source hands out volume bytes. ReadFrom returns at least one byte starting
// at offset, io.EOF when offset equals the volume size and
// io.ErrUnexpectedEOF when it lies past the end.
type Source interface {
	Volumes() int
	ReadFrom(ctx context.Context, volume int, offset int64) ([]byte, error)
}

// Scan drives a Parser over src and returns every file entry in the set.
func Scan(ctx context.Context, src Source) ([]*FileEntry, error) {
	p := NewParser()
	var entries []*FileEntry

	for {
		need := p.Need()
		if need.Volume >= src.Volumes() {
			if err := p.Finish(); err != nil {
				return entries, err
			}
			return entries, nil
		}

		var step Step
		data, err := src.ReadFrom(ctx, need.Volume, need.Offset)
		switch {
		case errors.Is(err, io.EOF):
			step, err = p.EndVolume()
		case errors.Is(err, io.ErrUnexpectedEOF):
			return entries, &HeaderError{Volume: need.Volume, Offset: need.Offset,
				Err: fmt.Errorf("%w: data area runs past the volume", ErrTruncated)}
		case err != nil:
			return entries, err
		default:
			step, err = p.Feed(data)
		}

		for err == nil && step.State == StateEntry {
			entries = append(entries, step.Entry)
			step, err = p.Feed(nil)
		}
		if err != nil {
			return entries, err
		}
		if step.State == StateDone {
			return entries, nil
		}
	}
}

// BytesSource serves volumes held in memory, Chunk bytes at a time.
type BytesSource struct {
	Data  [][]byte
	Chunk int
}

func (s BytesSource) Volumes() int { return len(s.Data) }

func (s BytesSource) ReadFrom(_ context.Context, volume int, offset int64) ([]byte, error) {
	vol := s.Data[volume]
	switch {
	case offset == int64(len(vol)):
		return nil, io.EOF
	case offset > int64(len(vol)):
		return nil, io.ErrUnexpectedEOF
	}
	end := int64(len(vol))
	if s.Chunk > 0 && offset+int64(s.Chunk) < end {
		end = offset + int64(s.Chunk)
	}
	return vol[offset:end], nil
}
