package v1

// UserInfo is one entry of USER_LIST.
type UserInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	HasControl  bool   `json:"hasControl"`
	IP          string `json:"ip"`
	Status      string `json:"status"`
}

// FileEntry is one entry of FILE_LIST.
type FileEntry struct {
	Name          string `json:"name"`
	Size          int64  `json:"size"`
	Type          string `json:"type"`
	MimeType      string `json:"mimeType,omitempty"`
	LastModified  int64  `json:"lastModified"`
	FormattedSize string `json:"formattedSize"`
	FormattedDate string `json:"formattedDate"`
}

// DownloadStart is the DOWNLOAD_START payload.
type DownloadStart struct {
	SessionID   string `json:"sessionId"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	TotalChunks int    `json:"totalChunks"`
	ChunkSize   int    `json:"chunkSize"`
	FileType    string `json:"fileType"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ChatRecord is one chat message as sent in CHAT_MESSAGE and CHAT_HISTORY.
type ChatRecord struct {
	ID         string `json:"id"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	Timestamp  string `json:"timestamp"`
}

// ControlStatus is the CONTROL_STATUS payload.
type ControlStatus struct {
	Holder           string `json:"holder,omitempty"`
	HolderName       string `json:"holderName,omitempty"`
	RemainingSeconds int    `json:"remainingSeconds"`
	QueueLength      int    `json:"queueLength"`
	Position         int    `json:"position"`
}

// ConnectionRequest is the CONNECTION_REQUEST payload shown to the host.
type ConnectionRequest struct {
	ClientID    string `json:"clientId"`
	DisplayName string `json:"displayName"`
	IP          string `json:"ip"`
	UserAgent   string `json:"userAgent,omitempty"`
}

// InputPayload is the JSON body of INPUT_EVENT.
type InputPayload struct {
	Type     string  `json:"type" validate:"required,oneof=MOUSE_MOVE MOUSE_CLICK MOUSE_PRESS MOUSE_RELEASE KEY_PRESS KEY_RELEASE MOUSE_WHEEL"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Button   int     `json:"button"`
	KeyCode  int     `json:"keyCode"`
	Key      string  `json:"key"`
	CtrlKey  bool    `json:"ctrlKey"`
	ShiftKey bool    `json:"shiftKey"`
	AltKey   bool    `json:"altKey"`
	DeltaY   float64 `json:"deltaY"`
}
