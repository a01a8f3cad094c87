package v1

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrUnknownCommand is returned for prefixes outside the client command set.
	ErrUnknownCommand = errors.New("v1: unknown command")
	// ErrMalformedCommand is returned when a known prefix carries bad arguments.
	ErrMalformedCommand = errors.New("v1: malformed command")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Command is one parsed client message. The concrete types below form a closed set.
type Command interface {
	// Prefix returns the wire prefix the command was parsed from.
	Prefix() string
	command()
}

type Authenticate struct {
	Password    string `validate:"required,max=128"`
	DisplayName string `validate:"max=64"`
}

type RequestControl struct{}

type ReleaseControl struct{}

type RequestControlStatus struct{}

type InputEvent struct {
	Raw json.RawMessage `validate:"min=2"`
}

type FileUploadStart struct {
	Name     string `validate:"required,max=255"`
	Size     int64
	MimeType string `validate:"max=255"`
}

type FileChunk struct {
	SessionID string `validate:"required,max=64"`
	Index     int    `validate:"min=0"`
	Data      []byte
}

type RequestFileList struct{}

type DownloadFile struct {
	Name string `validate:"required,max=255"`
}

type RequestChunk struct {
	SessionID string `validate:"required,max=64"`
	Index     int    `validate:"min=0"`
}

type ChatMessage struct {
	Text string
}

type RequestUserList struct{}

type EndSession struct{}

type Ping struct{}

func (Authenticate) Prefix() string         { return PrefixAuthenticate }
func (RequestControl) Prefix() string       { return PrefixRequestControl }
func (ReleaseControl) Prefix() string       { return PrefixReleaseControl }
func (RequestControlStatus) Prefix() string { return PrefixRequestControlStatus }
func (InputEvent) Prefix() string           { return PrefixInputEvent }
func (FileUploadStart) Prefix() string      { return PrefixFileUploadStart }
func (FileChunk) Prefix() string            { return PrefixFileChunk }
func (RequestFileList) Prefix() string      { return PrefixRequestFileList }
func (DownloadFile) Prefix() string         { return PrefixDownloadFile }
func (RequestChunk) Prefix() string         { return PrefixRequestChunk }
func (ChatMessage) Prefix() string          { return PrefixChatMessage }
func (RequestUserList) Prefix() string      { return PrefixRequestUserList }
func (EndSession) Prefix() string           { return PrefixEndSession }
func (Ping) Prefix() string                 { return PrefixPing }

func (Authenticate) command()         {}
func (RequestControl) command()       {}
func (ReleaseControl) command()       {}
func (RequestControlStatus) command() {}
func (InputEvent) command()           {}
func (FileUploadStart) command()      {}
func (FileChunk) command()            {}
func (RequestFileList) command()      {}
func (DownloadFile) command()         {}
func (RequestChunk) command()         {}
func (ChatMessage) command()          {}
func (RequestUserList) command()      {}
func (EndSession) command()           {}
func (Ping) command()                 {}

// Parse turns one inbound text message into a Command.
func Parse(text string) (Command, error) {
	prefix, args, _ := strings.Cut(text, Separator)

	var cmd Command
	switch prefix {
	case PrefixRequestControl:
		cmd = RequestControl{}
	case PrefixReleaseControl:
		cmd = ReleaseControl{}
	case PrefixRequestControlStatus:
		cmd = RequestControlStatus{}
	case PrefixRequestFileList:
		cmd = RequestFileList{}
	case PrefixRequestUserList:
		cmd = RequestUserList{}
	case PrefixEndSession:
		cmd = EndSession{}
	case PrefixPing:
		cmd = Ping{}
	case PrefixChatMessage:
		cmd = ChatMessage{Text: args}
	case PrefixDownloadFile:
		cmd = DownloadFile{Name: args}
	case PrefixInputEvent:
		cmd = InputEvent{Raw: json.RawMessage(args)}
	case PrefixAuthenticate:
		cmd = parseAuthenticate(args)
	case PrefixFileUploadStart:
		c, err := parseUploadStart(args)
		if err != nil {
			return nil, err
		}
		cmd = c
	case PrefixFileChunk:
		c, err := parseFileChunk(args)
		if err != nil {
			return nil, err
		}
		cmd = c
	case PrefixRequestChunk:
		c, err := parseRequestChunk(args)
		if err != nil {
			return nil, err
		}
		cmd = c
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, truncate(prefix, 32))
	}

	if err := validate.Struct(cmd); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedCommand, prefix, err)
	}
	return cmd, nil
}

func parseAuthenticate(args string) Authenticate {
	pwd, name, _ := strings.Cut(args, Separator)
	return Authenticate{Password: pwd, DisplayName: strings.TrimSpace(name)}
}

// parseUploadStart reads name:size:type from the right so names may contain the separator.
func parseUploadStart(args string) (FileUploadStart, error) {
	rest, mimeType, ok := cutLast(args)
	if !ok {
		return FileUploadStart{}, fmt.Errorf("%w: %s: want name:size:type", ErrMalformedCommand, PrefixFileUploadStart)
	}
	name, sizeStr, ok := cutLast(rest)
	if !ok {
		return FileUploadStart{}, fmt.Errorf("%w: %s: want name:size:type", ErrMalformedCommand, PrefixFileUploadStart)
	}
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return FileUploadStart{}, fmt.Errorf("%w: %s: size: %v", ErrMalformedCommand, PrefixFileUploadStart, err)
	}
	return FileUploadStart{Name: name, Size: size, MimeType: mimeType}, nil
}

func parseFileChunk(args string) (FileChunk, error) {
	parts := strings.SplitN(args, Separator, 3)
	if len(parts) != 3 {
		return FileChunk{}, fmt.Errorf("%w: %s: want sid:index:data", ErrMalformedCommand, PrefixFileChunk)
	}
	idx, err := strconv.Atoi(parts[1])
	if err != nil {
		return FileChunk{}, fmt.Errorf("%w: %s: index: %v", ErrMalformedCommand, PrefixFileChunk, err)
	}
	data, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return FileChunk{}, fmt.Errorf("%w: %s: data: %v", ErrMalformedCommand, PrefixFileChunk, err)
	}
	return FileChunk{SessionID: parts[0], Index: idx, Data: data}, nil
}

func parseRequestChunk(args string) (RequestChunk, error) {
	sid, idxStr, ok := strings.Cut(args, Separator)
	if !ok {
		return RequestChunk{}, fmt.Errorf("%w: %s: want sid:index", ErrMalformedCommand, PrefixRequestChunk)
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		return RequestChunk{}, fmt.Errorf("%w: %s: index: %v", ErrMalformedCommand, PrefixRequestChunk, err)
	}
	return RequestChunk{SessionID: sid, Index: idx}, nil
}

func cutLast(s string) (before, after string, ok bool) {
	i := strings.LastIndex(s, Separator)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(Separator):], true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
