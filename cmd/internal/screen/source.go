// Package screen provides the frames broadcast to viewers.
//
// A Source yields the current encoded frame and whether it differs from the previous one.
// Capturing the host display is done by an external process; FileSource picks up what it
// writes, PatternSource synthesizes frames for development.
package screen

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io/fs"
	"os"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/zeebo/blake3"
)

// DefaultMaxFrameBytes bounds a single captured frame.
const DefaultMaxFrameBytes = 8 << 20

// Source yields encoded frames.
type Source interface {
	// Capture returns the latest frame. changed is false when the frame matches the previous
	// call, in which case data may be reused by the caller or ignored.
	Capture(ctx context.Context) (data []byte, changed bool, err error)
}

// FileSource reads the image an external capturer keeps overwriting at Path.
type FileSource struct {
	Path     string
	MaxBytes int64

	mu   sync.Mutex
	last [32]byte
	seen bool
}

func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path, MaxBytes: DefaultMaxFrameBytes}
}

func (s *FileSource) Capture(ctx context.Context) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	st, err := os.Stat(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("screen: stat: %w", err)
	}
	limit := s.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxFrameBytes
	}
	if st.Size() > limit {
		return nil, false, fmt.Errorf("%w: %d bytes", ErrTooLarge, st.Size())
	}

	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, false, fmt.Errorf("screen: read: %w", err)
	}
	if len(data) == 0 {
		return nil, false, nil
	}

	mt := mimetype.Detect(data)
	if !mt.Is("image/jpeg") && !mt.Is("image/png") {
		return nil, false, fmt.Errorf("%w: %s", ErrNotImage, mt.String())
	}

	sum := blake3.Sum256(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen && sum == s.last {
		return data, false, nil
	}
	s.last, s.seen = sum, true
	return data, true, nil
}

// PatternSource renders a moving colour bar pattern that shifts every Every captures.
type PatternSource struct {
	Width, Height int
	Every         int
	Quality       int

	mu    sync.Mutex
	ticks int
	phase int
	frame []byte
}

func NewPatternSource(width, height, every int) *PatternSource {
	return &PatternSource{Width: width, Height: height, Every: every, Quality: 60}
}

func (p *PatternSource) Capture(ctx context.Context) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	every := max(p.Every, 1)
	rerender := p.frame == nil || p.ticks%every == 0
	p.ticks++
	if !rerender {
		return p.frame, false, nil
	}

	frame, err := p.render(p.phase)
	if err != nil {
		return nil, false, err
	}
	p.phase++
	p.frame = frame
	return frame, true, nil
}

var bars = []color.RGBA{
	{R: 0xc0, G: 0xc0, B: 0xc0, A: 0xff},
	{R: 0xc0, G: 0xc0, B: 0x00, A: 0xff},
	{R: 0x00, G: 0xc0, B: 0xc0, A: 0xff},
	{R: 0x00, G: 0xc0, B: 0x00, A: 0xff},
	{R: 0xc0, G: 0x00, B: 0xc0, A: 0xff},
	{R: 0xc0, G: 0x00, B: 0x00, A: 0xff},
	{R: 0x00, G: 0x00, B: 0xc0, A: 0xff},
}

func (p *PatternSource) render(phase int) ([]byte, error) {
	w, h := max(p.Width, 8), max(p.Height, 8)
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	barWidth := max(w/len(bars), 1)
	for y := range h {
		for x := range w {
			img.SetRGBA(x, y, bars[((x/barWidth)+phase)%len(bars)])
		}
	}

	var buf bytes.Buffer
	quality := p.Quality
	if quality <= 0 || quality > 100 {
		quality = 60
	}
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("screen: encode: %w", err)
	}
	return buf.Bytes(), nil
}
