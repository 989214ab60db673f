package protocol

// HTTP routes served next to the WebSocket endpoint.
const (
	PathExecuteWS = "/ws/execute"
	PathExecute   = "/execute"
	PathHealth    = "/healthz"
	PathHistory   = "/history"
)

// BatchRequest is the body of a non-interactive execute request.
// Inputs are written to the program's stdin one line each, then stdin is closed.
type BatchRequest struct {
	Code   string   `json:"code"`
	Inputs []string `json:"inputs,omitempty"`
}

type Health struct {
	LiveSessions int `json:"live_sessions"`
	MaxSessions  int `json:"max_sessions"`
}
