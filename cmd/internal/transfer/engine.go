// Package transfer implements chunked uploads and downloads over pre-sized files.
//
// Every session addresses its file in fixed ChunkSize slices. Uploads write chunk i at
// offset i*ChunkSize into a file truncated to the declared size up front, so chunks may
// arrive in any order and rewriting an index is harmless. Independent sessions proceed in
// parallel; I/O within one session is serialized by that session's mutex.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"
)

const (
	// ChunkSize is shared by the upload and download paths; clients must use the same value.
	ChunkSize = 32768

	DefaultMaxSize         = 50 << 20
	DefaultDir             = "uploads"
	DefaultSessionIdleTTL  = 10 * time.Minute
	DefaultJanitorInterval = time.Minute

	sessionIDLen = 8
)

// Config configures an Engine.
type Config struct {
	Dir             string
	MaxSize         int64
	SessionIdleTTL  time.Duration
	JanitorInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Dir == "" {
		c.Dir = DefaultDir
	}
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.SessionIdleTTL <= 0 {
		c.SessionIdleTTL = DefaultSessionIdleTTL
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = DefaultJanitorInterval
	}
	return c
}

// ChunkResult describes the state of an upload after a chunk write.
type ChunkResult struct {
	Received int
	Total    int
	Complete bool
	// File is set once the upload completes.
	File *FileInfo
}

// DownloadInfo describes a freshly opened download session.
type DownloadInfo struct {
	SessionID   string
	FileName    string
	FileSize    int64
	TotalChunks int
	ChunkSize   int
	Type        string
	MimeType    string
}

// Engine owns the transfer session table and the storage directory.
type Engine struct {
	cfg   Config
	clock clockwork.Clock
	log   *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

// New creates the storage directory if needed and returns an Engine.
func New(cfg Config, clock clockwork.Clock, log *slog.Logger) (*Engine, error) {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Engine{
		cfg:      cfg,
		clock:    clock,
		log:      log,
		sessions: make(map[string]*session),
	}, nil
}

// MaxSize returns the upload size limit.
func (e *Engine) MaxSize() int64 { return e.cfg.MaxSize }

// Dir returns the storage directory.
func (e *Engine) Dir() string { return e.cfg.Dir }

// StartUpload registers an upload and pre-sizes its backing file.
func (e *Engine) StartUpload(owner, name string, size int64, mimeType string) (string, error) {
	if size <= 0 {
		return "", ErrInvalidSize
	}
	if size > e.cfg.MaxSize {
		return "", fmt.Errorf("%w: %d > %d", ErrTooLarge, size, e.cfg.MaxSize)
	}

	sid := e.newSessionID()
	clean := SanitizeName(name)
	path := filepath.Join(e.cfg.Dir, sid+"_"+clean)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("%w: create %s: %v", ErrStorage, path, err)
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("%w: preallocate %s: %v", ErrStorage, path, err)
	}

	s := &session{
		id:          sid,
		owner:       owner,
		kind:        kindUpload,
		path:        path,
		name:        clean,
		mimeType:    mimeType,
		size:        size,
		totalChunks: chunkCount(size),
		file:        f,
		received:    make(map[int]struct{}),
		lastActive:  e.clock.Now(),
	}
	e.add(s)

	e.log.Info("transfer.upload.start",
		"session_id", sid,
		"client_id", owner,
		"file", clean,
		"size", size,
		"chunks", s.totalChunks,
	)
	return sid, nil
}

// WriteChunk stores one upload chunk and flushes it before returning. When the last
// missing chunk arrives the session is closed and removed, and the result carries the
// completed file.
func (e *Engine) WriteChunk(sid string, index int, data []byte) (ChunkResult, error) {
	s := e.get(sid)
	if s == nil || s.kind != kindUpload {
		return ChunkResult{}, ErrSessionNotFound
	}

	res, err := s.write(index, data, e.clock.Now())
	if err != nil {
		return res, err
	}
	if !res.Complete {
		return res, nil
	}

	e.remove(sid)
	info, err := describe(s.path)
	if err != nil {
		return res, fmt.Errorf("%w: stat completed upload: %v", ErrStorage, err)
	}
	if digest, err := fileDigest(s.path); err == nil {
		info.Digest = digest
	} else {
		e.log.Warn("transfer.upload.digest.fail", "session_id", sid, "err", err)
	}
	res.File = &info

	e.log.Info("transfer.upload.complete",
		"session_id", sid,
		"client_id", s.owner,
		"file", info.Name,
		"size", info.Size,
		"digest", info.Digest,
	)
	return res, nil
}

// StartDownload opens a read session for a stored file.
func (e *Engine) StartDownload(owner, name string) (DownloadInfo, error) {
	path, err := e.findFile(name)
	if err != nil {
		return DownloadInfo{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return DownloadInfo{}, fmt.Errorf("%w: open %s: %v", ErrStorage, path, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return DownloadInfo{}, fmt.Errorf("%w: stat %s: %v", ErrStorage, path, err)
	}

	display := DisplayName(filepath.Base(path))
	s := &session{
		id:          e.newSessionID(),
		owner:       owner,
		kind:        kindDownload,
		path:        path,
		name:        display,
		mimeType:    detectMime(path),
		size:        st.Size(),
		totalChunks: chunkCount(st.Size()),
		file:        f,
		lastActive:  e.clock.Now(),
	}
	e.add(s)

	e.log.Info("transfer.download.start",
		"session_id", s.id,
		"client_id", owner,
		"file", display,
		"size", s.size,
	)
	return DownloadInfo{
		SessionID:   s.id,
		FileName:    display,
		FileSize:    s.size,
		TotalChunks: s.totalChunks,
		ChunkSize:   ChunkSize,
		Type:        Category(display, s.mimeType),
		MimeType:    s.mimeType,
	}, nil
}

// ReadChunk reads chunk index of a download. A chunk starting at or past the end of the
// file yields an empty slice; a short read is returned as-is. Serving the final chunk ends
// the session.
func (e *Engine) ReadChunk(sid string, index int) ([]byte, error) {
	s := e.get(sid)
	if s == nil || s.kind != kindDownload {
		return nil, ErrSessionNotFound
	}
	data, err := s.read(index, e.clock.Now())
	if err != nil {
		return nil, err
	}
	if index == s.totalChunks-1 && e.remove(sid) != nil {
		e.discard(s, "complete")
	}
	return data, nil
}

// CloseSession closes and forgets a session. Incomplete upload files are removed.
func (e *Engine) CloseSession(sid string) bool {
	s := e.remove(sid)
	if s == nil {
		return false
	}
	e.discard(s, "closed")
	return true
}

// DropOwner closes every session opened by owner and returns how many were dropped.
func (e *Engine) DropOwner(owner string) int {
	e.mu.Lock()
	owned := lo.PickBy(e.sessions, func(_ string, s *session) bool { return s.owner == owner })
	for sid := range owned {
		delete(e.sessions, sid)
	}
	e.mu.Unlock()

	for _, s := range owned {
		e.discard(s, "owner_gone")
	}
	return len(owned)
}

// ActiveSessions returns the number of open sessions.
func (e *Engine) ActiveSessions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.sessions)
}

// Progress reports received and total chunks for an upload.
func (e *Engine) Progress(sid string) (received, total int, ok bool) {
	s := e.get(sid)
	if s == nil || s.kind != kindUpload {
		return 0, 0, false
	}
	received, total = s.progress()
	return received, total, true
}

// ListFiles returns completed, non-empty stored files, newest first.
func (e *Engine) ListFiles() ([]FileInfo, error) {
	entries, err := os.ReadDir(e.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrStorage, e.cfg.Dir, err)
	}
	inFlight := e.uploadPaths()

	files := make([]FileInfo, 0, len(entries))
	for _, ent := range entries {
		if !ent.Type().IsRegular() {
			continue
		}
		path := filepath.Join(e.cfg.Dir, ent.Name())
		if _, busy := inFlight[path]; busy {
			continue
		}
		info, err := describe(path)
		if err != nil || info.Size == 0 {
			continue
		}
		files = append(files, info)
	}
	sortNewestFirst(files)
	return files, nil
}

// ClearFiles closes all sessions and deletes every stored file. It returns the number of
// files removed.
func (e *Engine) ClearFiles() (int, error) {
	e.mu.Lock()
	all := lo.Values(e.sessions)
	e.sessions = make(map[string]*session)
	e.mu.Unlock()

	for _, s := range all {
		s.close()
	}

	entries, err := os.ReadDir(e.cfg.Dir)
	if err != nil {
		return 0, fmt.Errorf("%w: list %s: %v", ErrStorage, e.cfg.Dir, err)
	}
	removed := 0
	var errs []error
	for _, ent := range entries {
		if !ent.Type().IsRegular() {
			continue
		}
		if err := os.Remove(filepath.Join(e.cfg.Dir, ent.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	e.log.Info("transfer.files.cleared", "removed", removed, "sessions_closed", len(all))
	return removed, errors.Join(errs...)
}

// Run expires idle sessions until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := e.clock.NewTicker(e.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.closeAll()
			return nil
		case <-ticker.Chan():
			if n := e.expireIdle(); n > 0 {
				e.log.Info("transfer.janitor.expired", "sessions", n)
			}
		}
	}
}

func (e *Engine) expireIdle() int {
	cutoff := e.clock.Now().Add(-e.cfg.SessionIdleTTL)

	e.mu.Lock()
	stale := lo.PickBy(e.sessions, func(_ string, s *session) bool { return s.idleSince(cutoff) })
	for sid := range stale {
		delete(e.sessions, sid)
	}
	e.mu.Unlock()

	for _, s := range stale {
		e.discard(s, "idle")
	}
	return len(stale)
}

func (e *Engine) closeAll() {
	e.mu.Lock()
	all := lo.Values(e.sessions)
	e.sessions = make(map[string]*session)
	e.mu.Unlock()

	for _, s := range all {
		e.discard(s, "shutdown")
	}
}

// discard closes s and removes the partial file of an unfinished upload.
func (e *Engine) discard(s *session, reason string) {
	complete := s.close()
	if s.kind == kindUpload && !complete {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.log.Warn("transfer.partial.remove.fail", "session_id", s.id, "err", err)
		}
	}
	e.log.Info("transfer.session.closed", "session_id", s.id, "client_id", s.owner, "reason", reason)
}

// findFile resolves name against stored files by full name or by name without the
// session-id prefix. Empty and in-flight files never match.
func (e *Engine) findFile(name string) (string, error) {
	if name == "" {
		return "", ErrFileNotFound
	}
	entries, err := os.ReadDir(e.cfg.Dir)
	if err != nil {
		return "", fmt.Errorf("%w: list %s: %v", ErrStorage, e.cfg.Dir, err)
	}
	inFlight := e.uploadPaths()

	for _, ent := range entries {
		if !ent.Type().IsRegular() {
			continue
		}
		stored := ent.Name()
		if stored != name && DisplayName(stored) != name {
			continue
		}
		path := filepath.Join(e.cfg.Dir, stored)
		if _, busy := inFlight[path]; busy {
			continue
		}
		if fi, err := ent.Info(); err != nil || fi.Size() == 0 {
			continue
		}
		return path, nil
	}
	return "", ErrFileNotFound
}

func (e *Engine) uploadPaths() map[string]struct{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]struct{})
	for _, s := range e.sessions {
		if s.kind == kindUpload {
			out[s.path] = struct{}{}
		}
	}
	return out
}

func (e *Engine) newSessionID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for {
		sid := uuid.NewString()[:sessionIDLen]
		if _, taken := e.sessions[sid]; !taken {
			return sid
		}
	}
}

func (e *Engine) add(s *session) {
	e.mu.Lock()
	e.sessions[s.id] = s
	e.mu.Unlock()
}

func (e *Engine) get(sid string) *session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessions[sid]
}

func (e *Engine) remove(sid string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sid]
	if !ok {
		return nil
	}
	delete(e.sessions, sid)
	return s
}

func chunkCount(size int64) int {
	return int((size + ChunkSize - 1) / ChunkSize)
}
