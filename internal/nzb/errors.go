package nzb

import "errors"

var (
	ErrInvalid   = errors.New("invalid nzb")
	ErrEmpty     = errors.New("nzb lists no files")
	ErrNoArchive = errors.New("nzb holds no rar volumes")
)
