package transfer

import "errors"

var (
	// ErrInvalidSize rejects uploads that declare a non-positive size.
	ErrInvalidSize = errors.New("transfer: invalid file size")
	// ErrTooLarge rejects uploads above the configured limit.
	ErrTooLarge = errors.New("transfer: file too large")
	// ErrSessionNotFound is returned for unknown, closed, or wrong-direction session ids.
	ErrSessionNotFound = errors.New("transfer: session not found")
	// ErrFileNotFound is returned when a download name matches no stored file.
	ErrFileNotFound = errors.New("transfer: file not found")
	// ErrIndexOutOfRange is returned for chunk indices outside the session.
	ErrIndexOutOfRange = errors.New("transfer: chunk index out of range")
	// ErrChunkTooLarge rejects chunks that would write past their slice of the file.
	ErrChunkTooLarge = errors.New("transfer: chunk exceeds its slice")
	// ErrStorage wraps I/O failures on the backing file.
	ErrStorage = errors.New("transfer: storage error")
)
