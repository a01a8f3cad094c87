package v1

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSimpleCommands(t *testing.T) {
	cases := map[string]Command{
		"REQUEST_CONTROL":        RequestControl{},
		"RELEASE_CONTROL":        ReleaseControl{},
		"REQUEST_CONTROL_STATUS": RequestControlStatus{},
		"REQUEST_FILE_LIST":      RequestFileList{},
		"REQUEST_USER_LIST":      RequestUserList{},
		"END_SESSION":            EndSession{},
		"PING":                   Ping{},
	}
	for in, want := range cases {
		got, err := Parse(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
		require.Equal(t, in, got.Prefix())
	}
}

func TestParseAuthenticate(t *testing.T) {
	req := require.New(t)

	cmd, err := Parse("AUTHENTICATE:Ab12Cd34:Alice")
	req.NoError(err)
	req.Equal(Authenticate{Password: "Ab12Cd34", DisplayName: "Alice"}, cmd)

	cmd, err = Parse("AUTHENTICATE:Ab12Cd34")
	req.NoError(err)
	req.Equal(Authenticate{Password: "Ab12Cd34"}, cmd)

	cmd, err = Parse("AUTHENTICATE:pw:Bob:Smith")
	req.NoError(err)
	req.Equal("Bob:Smith", cmd.(Authenticate).DisplayName)

	_, err = Parse("AUTHENTICATE:")
	req.ErrorIs(err, ErrMalformedCommand)
}

func TestParseUploadStart(t *testing.T) {
	req := require.New(t)

	cmd, err := Parse("FILE_UPLOAD_START:report.pdf:1048576:application/pdf")
	req.NoError(err)
	req.Equal(FileUploadStart{Name: "report.pdf", Size: 1048576, MimeType: "application/pdf"}, cmd)

	cmd, err = Parse("FILE_UPLOAD_START:12:30 meeting.txt:42:")
	req.NoError(err)
	req.Equal(FileUploadStart{Name: "12:30 meeting.txt", Size: 42}, cmd)

	for _, bad := range []string{
		"FILE_UPLOAD_START:",
		"FILE_UPLOAD_START:a.txt:10",
		"FILE_UPLOAD_START:a.txt:ten:text/plain",
		"FILE_UPLOAD_START::10:text/plain",
	} {
		_, err = Parse(bad)
		req.ErrorIs(err, ErrMalformedCommand, bad)
	}
}

func TestParseFileChunk(t *testing.T) {
	req := require.New(t)
	data := []byte("hello chunk")

	cmd, err := Parse("FILE_CHUNK:a1b2c3d4:3:" + base64.StdEncoding.EncodeToString(data))
	req.NoError(err)
	req.Equal(FileChunk{SessionID: "a1b2c3d4", Index: 3, Data: data}, cmd)

	for _, bad := range []string{
		"FILE_CHUNK:a1b2c3d4:3",
		"FILE_CHUNK:a1b2c3d4:x:aGk=",
		"FILE_CHUNK:a1b2c3d4:-1:aGk=",
		"FILE_CHUNK:a1b2c3d4:0:!!notbase64",
		"FILE_CHUNK::0:aGk=",
	} {
		_, err = Parse(bad)
		req.ErrorIs(err, ErrMalformedCommand, bad)
	}
}

func TestParseRequestChunkAndDownload(t *testing.T) {
	req := require.New(t)

	cmd, err := Parse("REQUEST_CHUNK:a1b2c3d4:7")
	req.NoError(err)
	req.Equal(RequestChunk{SessionID: "a1b2c3d4", Index: 7}, cmd)

	_, err = Parse("REQUEST_CHUNK:a1b2c3d4")
	req.ErrorIs(err, ErrMalformedCommand)

	cmd, err = Parse("DOWNLOAD_FILE:notes: v2.txt")
	req.NoError(err)
	req.Equal(DownloadFile{Name: "notes: v2.txt"}, cmd)

	_, err = Parse("DOWNLOAD_FILE:")
	req.ErrorIs(err, ErrMalformedCommand)
}

func TestParseChatAndInput(t *testing.T) {
	req := require.New(t)

	cmd, err := Parse("CHAT_MESSAGE:see you at 10:30")
	req.NoError(err)
	req.Equal(ChatMessage{Text: "see you at 10:30"}, cmd)

	cmd, err = Parse(`INPUT_EVENT:{"type":"MOUSE_MOVE","x":0.5,"y":0.25}`)
	req.NoError(err)
	req.JSONEq(`{"type":"MOUSE_MOVE","x":0.5,"y":0.25}`, string(cmd.(InputEvent).Raw))

	_, err = Parse("INPUT_EVENT:")
	req.ErrorIs(err, ErrMalformedCommand)
}

func TestParseUnknown(t *testing.T) {
	for _, in := range []string{"", "HELLO", "ping", "REQUEST_CONTROLX"} {
		_, err := Parse(in)
		require.ErrorIs(t, err, ErrUnknownCommand, in)
	}
}

func TestOutboundMessages(t *testing.T) {
	req := require.New(t)

	req.Equal("CONTROL_RESPONSE:true", ControlResponse(true))
	req.Equal("QUEUE_POSITION:2", QueuePosition(2))
	req.Equal("CHUNK_ACK:sid:5:true", ChunkAck("sid", 5, true))
	req.Equal("CHUNK_ERROR:sid:5:storage_error", ChunkError("sid", 5, ReasonStorage))
	req.Equal("FILE_CHUNK:sid:1:aGk=", FileChunkOut("sid", 1, []byte("hi")))
	req.Equal("SCREEN_DATA:9:aGk=", ScreenData(9, []byte("hi")))
	req.Equal("PONG", Msg(PrefixPong))

	msg, err := JSONMsg(PrefixUserList, []UserInfo{{ID: "c1", DisplayName: "A", Status: StatusViewer}})
	req.NoError(err)
	req.Equal(`USER_LIST:[{"id":"c1","displayName":"A","hasControl":false,"ip":"","status":"viewer"}]`, msg)
}
