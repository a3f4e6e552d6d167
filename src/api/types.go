package api

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the outcome kind of a metadata operation. Protocol conflicts are
// expected results, not failures of the call itself.
type Status int32

const (
	StatusOK Status = iota
	StatusWrongVersion
	StatusMissingBlocks
	StatusNotFound
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWrongVersion:
		return "wrong_version"
	case StatusMissingBlocks:
		return "missing_blocks"
	case StatusNotFound:
		return "not_found"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

var (
	ErrNotFound        = errors.New("not found")
	ErrWrongVersion    = errors.New("wrong version")
	ErrMissingBlocks   = errors.New("missing blocks")
	ErrTooManyAttempts = errors.New("too many attempts")
)

// FileInfo is the metadata record of one file. Version 0 means the file has
// never been created; an empty Hashlist with Version > 0 is a deleted file.
type FileInfo struct {
	Filename string
	Version  int64
	Hashlist []string
}

func (fi FileInfo) Exists() bool {
	return fi.Version > 0
}

func (fi FileInfo) Deleted() bool {
	return fi.Version > 0 && len(fi.Hashlist) == 0
}

// Result is the tagged outcome of ModifyFile and DeleteFile.
//
// Current is set for StatusWrongVersion, Missing for StatusMissingBlocks.
type Result struct {
	Status  Status
	Current int64
	Missing []string
}

func OK() Result {
	return Result{Status: StatusOK}
}

func WrongVersion(current int64) Result {
	return Result{Status: StatusWrongVersion, Current: current}
}

func MissingBlocks(hashes []string) Result {
	return Result{Status: StatusMissingBlocks, Missing: hashes}
}

func NotFound() Result {
	return Result{Status: StatusNotFound}
}

// Err converts a non-OK result into its typed error, nil for StatusOK.
func (r Result) Err() error {
	switch r.Status {
	case StatusOK:
		return nil
	case StatusWrongVersion:
		return &WrongVersionError{Current: r.Current}
	case StatusMissingBlocks:
		return &MissingBlocksError{Hashes: r.Missing}
	case StatusNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("unknown result status %d", r.Status)
	}
}

// WrongVersionError carries the authoritative version so callers can
// recompute their proposal.
type WrongVersionError struct {
	Current int64
}

func (e *WrongVersionError) Error() string {
	return fmt.Sprintf("wrong version: current version is %d", e.Current)
}

func (e *WrongVersionError) Is(target error) bool {
	return target == ErrWrongVersion
}

// MissingBlocksError lists every hash absent from its shard.
type MissingBlocksError struct {
	Hashes []string
}

func (e *MissingBlocksError) Error() string {
	short := make([]string, 0, len(e.Hashes))
	for _, h := range e.Hashes {
		short = append(short, ShortHash(h))
	}
	return fmt.Sprintf("missing %d block(s): [%s]", len(e.Hashes), strings.Join(short, " "))
}

func (e *MissingBlocksError) Is(target error) bool {
	return target == ErrMissingBlocks
}

// ShortHash truncates a hash to 8 characters for log lines.
func ShortHash(hash string) string {
	if len(hash) <= 8 {
		return hash
	}
	return hash[:8]
}
