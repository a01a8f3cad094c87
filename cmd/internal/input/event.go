// Package input turns INPUT_EVENT payloads into typed events and hands them to an Executor.
package input

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	v1 "remoteconnect/shared/contracts/remote/v1"

	"github.com/go-playground/validator/v10"
)

// Type names the kind of input event.
type Type string

const (
	MouseMove    Type = "MOUSE_MOVE"
	MouseClick   Type = "MOUSE_CLICK"
	MousePress   Type = "MOUSE_PRESS"
	MouseRelease Type = "MOUSE_RELEASE"
	KeyPress     Type = "KEY_PRESS"
	KeyRelease   Type = "KEY_RELEASE"
	MouseWheel   Type = "MOUSE_WHEEL"
)

// wheelStep is the number of notches sent per wheel event.
const wheelStep = 3

var validate = validator.New(validator.WithRequiredStructEnabled())

// Event is one parsed input action in host pixel coordinates.
type Event struct {
	Type    Type
	X, Y    int
	Button  int
	KeyCode int
	Key     string
	Ctrl    bool
	Shift   bool
	Alt     bool
	DeltaY  int
}

// Pointer reports whether the event carries coordinates.
func (e Event) Pointer() bool {
	switch e.Type {
	case MouseMove, MouseClick, MousePress, MouseRelease:
		return true
	}
	return false
}

// WheelRotation maps a wheel delta to a fixed number of notches.
func (e Event) WheelRotation() int {
	if e.DeltaY > 0 {
		return wheelStep
	}
	return -wheelStep
}

// Parse decodes the JSON body of an INPUT_EVENT.
func Parse(raw []byte) (Event, error) {
	var p v1.InputPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := validate.Struct(p); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return Event{
		Type:    Type(p.Type),
		X:       int(math.Round(p.X)),
		Y:       int(math.Round(p.Y)),
		Button:  p.Button,
		KeyCode: p.KeyCode,
		Key:     p.Key,
		Ctrl:    p.CtrlKey,
		Shift:   p.ShiftKey,
		Alt:     p.AltKey,
		DeltaY:  int(math.Round(p.DeltaY)),
	}, nil
}

// Bounds is the host display size in pixels. A zero value disables the check.
type Bounds struct {
	Width, Height int
}

// CheckCoordinates logs pointer events that fall outside b. The event is always accepted:
// multi-monitor hosts legitimately report coordinates beyond the primary display.
func CheckCoordinates(log *slog.Logger, e Event, b Bounds) bool {
	if !e.Pointer() || b.Width <= 0 || b.Height <= 0 {
		return true
	}
	if e.X < 0 || e.Y < 0 || e.X >= b.Width || e.Y >= b.Height {
		if log == nil {
			log = slog.Default()
		}
		log.Debug("input.coords.out_of_range",
			"type", string(e.Type), "x", e.X, "y", e.Y, "width", b.Width, "height", b.Height)
	}
	return true
}

// Executor performs input on the host.
type Executor interface {
	Execute(ctx context.Context, e Event) error
}

// LogExecutor records events without touching the host. Injection is platform specific and
// lives outside this process.
type LogExecutor struct {
	Log *slog.Logger
}

func (x LogExecutor) Execute(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	log := x.Log
	if log == nil {
		log = slog.Default()
	}

	switch e.Type {
	case KeyPress, KeyRelease:
		log.Debug("input.key", "type", string(e.Type), "key", e.Key, "key_code", e.KeyCode,
			"ctrl", e.Ctrl, "shift", e.Shift, "alt", e.Alt)
	case MouseWheel:
		log.Debug("input.wheel", "delta_y", e.DeltaY, "rotation", e.WheelRotation())
	default:
		log.Debug("input.pointer", "type", string(e.Type), "x", e.X, "y", e.Y, "button", e.Button)
	}
	return nil
}
