// Package v1 defines the RemoteConnect desktop protocol v1 contract.
//
// Every message is a UTF-8 text payload of the form PREFIX[:arg[:arg...]]. Binary arguments
// are standard base64, structured arguments are JSON. Inbound text is parsed exactly once
// into a Command; outbound messages are built with the helpers in messages.go.
package v1

// Client to server prefixes.
const (
	PrefixAuthenticate         = "AUTHENTICATE"
	PrefixRequestControl       = "REQUEST_CONTROL"
	PrefixReleaseControl       = "RELEASE_CONTROL"
	PrefixRequestControlStatus = "REQUEST_CONTROL_STATUS"
	PrefixInputEvent           = "INPUT_EVENT"
	PrefixFileUploadStart      = "FILE_UPLOAD_START"
	PrefixFileChunk            = "FILE_CHUNK"
	PrefixRequestFileList      = "REQUEST_FILE_LIST"
	PrefixDownloadFile         = "DOWNLOAD_FILE"
	PrefixRequestChunk         = "REQUEST_CHUNK"
	PrefixChatMessage          = "CHAT_MESSAGE"
	PrefixRequestUserList      = "REQUEST_USER_LIST"
	PrefixEndSession           = "END_SESSION"
	PrefixPing                 = "PING"
)

// Server to client prefixes.
const (
	PrefixClientID                 = "CLIENT_ID"
	PrefixConnectionRequest        = "CONNECTION_REQUEST"
	PrefixConnectionAccepted       = "CONNECTION_ACCEPTED"
	PrefixConnectionDenied         = "CONNECTION_DENIED"
	PrefixGeneratedPassword        = "GENERATED_PASSWORD"
	PrefixAuthenticationSuccess    = "AUTHENTICATION_SUCCESS"
	PrefixAuthenticationFailed     = "AUTHENTICATION_FAILED"
	PrefixNotAuthenticated         = "NOT_AUTHENTICATED"
	PrefixControlResponse          = "CONTROL_RESPONSE"
	PrefixControlGranted           = "CONTROL_GRANTED"
	PrefixControlReleased          = "CONTROL_RELEASED"
	PrefixQueuePosition            = "QUEUE_POSITION"
	PrefixControlStatus            = "CONTROL_STATUS"
	PrefixUploadSession            = "UPLOAD_SESSION"
	PrefixUploadError              = "UPLOAD_ERROR"
	PrefixChunkAck                 = "CHUNK_ACK"
	PrefixChunkError               = "CHUNK_ERROR"
	PrefixFileList                 = "FILE_LIST"
	PrefixDownloadStart            = "DOWNLOAD_START"
	PrefixDownloadError            = "DOWNLOAD_ERROR"
	PrefixFileAvailable            = "FILE_AVAILABLE"
	PrefixChatHistory              = "CHAT_HISTORY"
	PrefixUserList                 = "USER_LIST"
	PrefixUserJoined               = "USER_JOINED"
	PrefixUserLeft                 = "USER_LEFT"
	PrefixSessionEndedConfirmation = "SESSION_ENDED_CONFIRMATION"
	PrefixSessionClosedByServer    = "SESSION_CLOSED_BY_SERVER"
	PrefixPong                     = "PONG"
	PrefixScreenData               = "SCREEN_DATA"
	PrefixError                    = "ERROR"
)

// Separator delimits the prefix and arguments.
const Separator = ":"

// Error reasons sent with ERROR, UPLOAD_ERROR, DOWNLOAD_ERROR and CHUNK_ERROR.
const (
	ReasonUnknownCommand = "unknown_command"
	ReasonMalformed      = "malformed_command"
	ReasonRateLimited    = "rate_limited"
	ReasonInvalidSize    = "File too large or invalid"
	ReasonFileNotFound   = "file_not_found"
	ReasonStorage        = "storage_error"
	ReasonSessionUnknown = "session_not_found"
)

// USER_LIST status values.
const (
	StatusController = "controller"
	StatusViewer     = "viewer"
)

// Chat record kinds.
const (
	ChatKindText   = "text"
	ChatKindSystem = "system"
)
