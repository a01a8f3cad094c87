package v1

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
)

// Msg joins a prefix and its arguments with the separator.
func Msg(prefix string, args ...string) string {
	if len(args) == 0 {
		return prefix
	}
	var b strings.Builder
	b.WriteString(prefix)
	for _, a := range args {
		b.WriteString(Separator)
		b.WriteString(a)
	}
	return b.String()
}

// JSONMsg encodes v as the single argument of prefix.
func JSONMsg(prefix string, v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return prefix + Separator + string(raw), nil
}

func ClientID(id string) string { return Msg(PrefixClientID, id) }

func ControlResponse(granted bool) string {
	return Msg(PrefixControlResponse, strconv.FormatBool(granted))
}

func QueuePosition(position int) string {
	return Msg(PrefixQueuePosition, strconv.Itoa(position))
}

func UploadSession(sessionID string) string { return Msg(PrefixUploadSession, sessionID) }

func ChunkAck(sessionID string, index int, ok bool) string {
	return Msg(PrefixChunkAck, sessionID, strconv.Itoa(index), strconv.FormatBool(ok))
}

func ChunkError(sessionID string, index int, reason string) string {
	return Msg(PrefixChunkError, sessionID, strconv.Itoa(index), reason)
}

func FileAvailable(name string) string { return Msg(PrefixFileAvailable, name) }

// FileChunkOut is the server to client FILE_CHUNK message.
func FileChunkOut(sessionID string, index int, data []byte) string {
	return Msg(PrefixFileChunk, sessionID, strconv.Itoa(index), base64.StdEncoding.EncodeToString(data))
}

// ScreenData frames one encoded screen capture.
func ScreenData(frameID uint64, image []byte) string {
	return Msg(PrefixScreenData, strconv.FormatUint(frameID, 10), base64.StdEncoding.EncodeToString(image))
}

func Error(reason string) string { return Msg(PrefixError, reason) }
