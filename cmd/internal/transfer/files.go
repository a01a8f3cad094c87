package transfer

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/zeebo/blake3"
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// FileInfo describes a stored file.
type FileInfo struct {
	// Name is the display name with the session-id prefix removed.
	Name       string
	StoredName string
	Size       int64
	Type       string
	MimeType   string
	ModifiedAt time.Time
	// Digest is the hex BLAKE3 digest; only set for freshly completed uploads.
	Digest string
}

// SanitizeName maps every character outside [a-zA-Z0-9._-] to '_'.
func SanitizeName(name string) string {
	clean := unsafeNameChars.ReplaceAllString(name, "_")
	switch clean {
	case "", ".", "..":
		return "file"
	}
	return clean
}

// DisplayName strips a leading "<8-char session id>_" from a stored name.
func DisplayName(stored string) string {
	if len(stored) > sessionIDLen+1 && stored[sessionIDLen] == '_' {
		return stored[sessionIDLen+1:]
	}
	return stored
}

var extensionCategories = map[string]string{
	"jpg": "image", "jpeg": "image", "png": "image", "gif": "image", "bmp": "image", "webp": "image",
	"mp4": "video", "avi": "video", "mov": "video", "wmv": "video", "flv": "video", "mkv": "video",
	"pdf": "document",
	"txt": "text", "doc": "text", "docx": "text", "rtf": "text", "odt": "text",
	"mp3": "audio", "wav": "audio", "flac": "audio", "aac": "audio", "ogg": "audio",
	"zip": "archive", "rar": "archive", "7z": "archive", "tar": "archive", "gz": "archive",
	"exe": "executable", "msi": "executable", "deb": "executable", "rpm": "executable",
}

// Category buckets a file by extension, falling back to its sniffed MIME type.
func Category(name, mimeType string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		if c, ok := extensionCategories[strings.ToLower(name[i+1:])]; ok {
			return c
		}
	}

	mt, _, _ := strings.Cut(mimeType, ";")
	switch {
	case strings.HasPrefix(mt, "image/"):
		return "image"
	case strings.HasPrefix(mt, "video/"):
		return "video"
	case strings.HasPrefix(mt, "audio/"):
		return "audio"
	case strings.HasPrefix(mt, "text/"):
		return "text"
	case mt == "application/pdf":
		return "document"
	case slices.Contains([]string{
		"application/zip", "application/gzip", "application/x-tar",
		"application/x-7z-compressed", "application/x-rar-compressed",
	}, mt):
		return "archive"
	case slices.Contains([]string{
		"application/vnd.microsoft.portable-executable", "application/x-elf",
		"application/x-executable", "application/vnd.debian.binary-package", "application/x-rpm",
	}, mt):
		return "executable"
	}
	return "file"
}

// FormatSize renders a byte count with binary units.
func FormatSize(n int64) string {
	switch {
	case n < 1<<10:
		return fmt.Sprintf("%d B", n)
	case n < 1<<20:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	case n < 1<<30:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	}
	return fmt.Sprintf("%.1f GB", float64(n)/(1<<30))
}

func describe(path string) (FileInfo, error) {
	st, err := os.Stat(path)
	if err != nil {
		return FileInfo{}, err
	}
	stored := filepath.Base(path)
	name := DisplayName(stored)
	mt := ""
	if st.Size() > 0 {
		mt = detectMime(path)
	}
	return FileInfo{
		Name:       name,
		StoredName: stored,
		Size:       st.Size(),
		Type:       Category(name, mt),
		MimeType:   mt,
		ModifiedAt: st.ModTime(),
	}, nil
}

func detectMime(path string) string {
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return "application/octet-stream"
	}
	return m.String()
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func sortNewestFirst(files []FileInfo) {
	slices.SortFunc(files, func(a, b FileInfo) int {
		if c := b.ModifiedAt.Compare(a.ModifiedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
}
