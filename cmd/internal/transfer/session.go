package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

type kind uint8

const (
	kindUpload kind = iota + 1
	kindDownload
)

type session struct {
	id          string
	owner       string
	kind        kind
	path        string
	name        string
	mimeType    string
	size        int64
	totalChunks int

	mu         sync.Mutex
	file       *os.File
	received   map[int]struct{}
	closed     bool
	lastActive time.Time
}

func (s *session) write(index int, data []byte, now time.Time) (ChunkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ChunkResult{}, ErrSessionNotFound
	}
	if index < 0 || index >= s.totalChunks {
		return ChunkResult{}, fmt.Errorf("%w: %d not in [0,%d)", ErrIndexOutOfRange, index, s.totalChunks)
	}

	off := int64(index) * ChunkSize
	if limit := min(ChunkSize, s.size-off); int64(len(data)) > limit {
		return ChunkResult{}, fmt.Errorf("%w: chunk %d is %d bytes, max %d", ErrChunkTooLarge, index, len(data), limit)
	}
	if _, err := s.file.WriteAt(data, off); err != nil {
		return ChunkResult{}, fmt.Errorf("%w: write chunk %d: %v", ErrStorage, index, err)
	}
	if err := s.file.Sync(); err != nil {
		return ChunkResult{}, fmt.Errorf("%w: sync chunk %d: %v", ErrStorage, index, err)
	}

	s.received[index] = struct{}{}
	s.lastActive = now

	res := ChunkResult{
		Received: len(s.received),
		Total:    s.totalChunks,
		Complete: len(s.received) == s.totalChunks,
	}
	if res.Complete {
		if err := s.file.Close(); err != nil {
			return res, fmt.Errorf("%w: close completed upload: %v", ErrStorage, err)
		}
		s.closed = true
	}
	return res, nil
}

func (s *session) read(index int, now time.Time) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionNotFound
	}
	if index < 0 {
		return nil, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	s.lastActive = now

	off := int64(index) * ChunkSize
	if off >= s.size {
		return []byte{}, nil
	}

	buf := make([]byte, min(ChunkSize, s.size-off))
	n, err := s.file.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: read chunk %d: %v", ErrStorage, index, err)
	}
	return buf[:n], nil
}

func (s *session) progress() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received), s.totalChunks
}

func (s *session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive.Before(cutoff)
}

// close releases the file handle and reports whether the upload had completed.
func (s *session) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	complete := s.kind == kindUpload && len(s.received) == s.totalChunks
	if s.closed {
		return complete
	}
	s.closed = true
	if s.file != nil {
		if s.kind == kindUpload {
			_ = s.file.Sync()
		}
		_ = s.file.Close()
	}
	return complete
}
