package store

// Wire protocol between the client and the store server. Requests and
// responses are JSON text frames over a single WebSocket connection;
// payloads ride along base64-encoded by encoding/json.

const (
	OpWrite  = "write"
	OpRead   = "read"
	OpDelete = "delete"
)

const (
	ResOK    = "ok"
	ResError = "error"
)

// Distinguished error codes. Anything else maps to a generic store
// error on the client.
const (
	CodeNotFound     = "not_found"
	CodeTooLarge     = "too_large"
	CodeUnauthorized = "unauthorized"
)

// Request is one client request frame.
type Request struct {
	Op      string `json:"op"`
	Ref     string `json:"ref,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

// Response is one server response frame.
type Response struct {
	Res     string `json:"res"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Ref     string `json:"ref,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}
