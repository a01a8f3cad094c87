package screen

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/gabriel-vasile/mimetype"
	"github.com/stretchr/testify/require"
)

func TestPatternSourceChangesEveryN(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	p := NewPatternSource(64, 48, 3)

	var changes []bool
	var frames [][]byte
	for range 7 {
		data, changed, err := p.Capture(ctx)
		req.NoError(err)
		req.NotEmpty(data)
		changes = append(changes, changed)
		frames = append(frames, data)
	}

	req.Equal([]bool{true, false, false, true, false, false, true}, changes)
	req.True(mimetype.Detect(frames[0]).Is("image/jpeg"))
	req.Equal(frames[0], frames[1])
	req.NotEqual(frames[0], frames[3])
}

func writePNG(t *testing.T, path string, shade uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	for i := range img.Pix {
		img.Pix[i] = shade
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestFileSourceDetectsChanges(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "frame.png")
	s := NewFileSource(path)

	data, changed, err := s.Capture(ctx)
	req.NoError(err)
	req.False(changed, "missing file is not a frame")
	req.Nil(data)

	writePNG(t, path, 10)
	data, changed, err = s.Capture(ctx)
	req.NoError(err)
	req.True(changed)
	req.NotEmpty(data)

	_, changed, err = s.Capture(ctx)
	req.NoError(err)
	req.False(changed)

	writePNG(t, path, 200)
	_, changed, err = s.Capture(ctx)
	req.NoError(err)
	req.True(changed)
}

func TestFileSourceRejectsNonImages(t *testing.T) {
	req := require.New(t)
	path := filepath.Join(t.TempDir(), "frame.png")
	req.NoError(os.WriteFile(path, []byte("plain text, not pixels"), 0o644))

	_, _, err := NewFileSource(path).Capture(context.Background())
	req.ErrorIs(err, ErrNotImage)

	s := NewFileSource(path)
	s.MaxBytes = 4
	_, _, err = s.Capture(context.Background())
	req.ErrorIs(err, ErrTooLarge)
}
