package input

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	req := require.New(t)

	e, err := Parse([]byte(`{"type":"MOUSE_CLICK","x":100.4,"y":200.6,"button":2}`))
	req.NoError(err)
	req.Equal(Event{Type: MouseClick, X: 100, Y: 201, Button: 2}, e)
	req.True(e.Pointer())

	e, err = Parse([]byte(`{"type":"KEY_PRESS","keyCode":65,"key":"a","ctrlKey":true}`))
	req.NoError(err)
	req.Equal(KeyPress, e.Type)
	req.Equal("a", e.Key)
	req.True(e.Ctrl)
	req.False(e.Pointer())

	e, err = Parse([]byte(`{"type":"MOUSE_WHEEL","deltaY":-120}`))
	req.NoError(err)
	req.Equal(-3, e.WheelRotation())
}

func TestParseRejects(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{}`,
		`{"type":"KEY_TYPE"}`,
		`{"type":"MOUSE_MOVE","x":"left"}`,
	} {
		_, err := Parse([]byte(raw))
		require.ErrorIs(t, err, ErrInvalidEvent, raw)
	}
}

func TestCheckCoordinatesLogsButAccepts(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	b := Bounds{Width: 1920, Height: 1080}

	require.True(t, CheckCoordinates(log, Event{Type: MouseMove, X: 10, Y: 10}, b))
	require.Empty(t, buf.String())

	require.True(t, CheckCoordinates(log, Event{Type: MouseMove, X: 2500, Y: 10}, b))
	require.Contains(t, buf.String(), "input.coords.out_of_range")

	buf.Reset()
	require.True(t, CheckCoordinates(log, Event{Type: KeyPress, X: -1}, b))
	require.True(t, CheckCoordinates(log, Event{Type: MouseMove, X: -1}, Bounds{}))
	require.Empty(t, buf.String())
}

func TestLogExecutor(t *testing.T) {
	var buf bytes.Buffer
	x := LogExecutor{Log: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))}

	require.NoError(t, x.Execute(context.Background(), Event{Type: MouseWheel, DeltaY: 40}))
	require.Contains(t, buf.String(), "rotation=3")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, x.Execute(ctx, Event{Type: MouseMove}), context.Canceled)
}
