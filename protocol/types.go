package protocol

import (
	"time"

	"github.com/guseggert/liverun/runner"
)

type Type string

const (
	TypeExecute  Type = "execute"
	TypeInput    Type = "input"
	TypeOutput   Type = "output"
	TypeComplete Type = "complete"
	TypeError    Type = "error"
)

// ErrorCode is the machine-readable class of an error message.
type ErrorCode string

const (
	CodeEmptyProgram     ErrorCode = "EMPTY_PROGRAM"
	CodeSpawnError       ErrorCode = "SPAWN_ERROR"
	CodePipeClosed       ErrorCode = "PIPE_CLOSED"
	CodeRunnerFault      ErrorCode = "RUNNER_FAULT"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeOutputLimit      ErrorCode = "OUTPUT_LIMIT"
	CodeCapacityExceeded ErrorCode = "CAPACITY_EXCEEDED"
	CodeProtocolError    ErrorCode = "PROTOCOL_ERROR"
	CodeRateLimited      ErrorCode = "RATE_LIMITED"
	CodeAlreadyRunning   ErrorCode = "ALREADY_RUNNING"
	CodeNotRunning       ErrorCode = "NOT_RUNNING"
	CodeSessionFinished  ErrorCode = "SESSION_FINISHED"
)

// ClientMessage is a message sent from the client to the server, either *Execute or *Input.
type ClientMessage interface {
	clientMessage()
}

// ServerMessage is a message sent from the server to the client, one of *Output, *Complete or *Error.
type ServerMessage interface {
	serverMessage()
}

type Execute struct {
	Type Type   `json:"type"`
	Code string `json:"code"`
}

type Input struct {
	Type  Type   `json:"type"`
	Input string `json:"input"`
}

type Output struct {
	Type   Type          `json:"type"`
	Stream runner.Stream `json:"stream"`
	Data   string        `json:"data"`
	Seq    uint64        `json:"seq,omitempty"`
}

// Complete is sent when the program exited on its own, whatever its exit code.
type Complete struct {
	Type       Type  `json:"type"`
	ExitCode   int   `json:"exit_code"`
	DurationMS int64 `json:"duration_ms,omitempty"`
}

// Error is sent for every failure. Failures that end a session are terminal, the rest are not.
type Error struct {
	Type    Type      `json:"type"`
	Message string    `json:"message"`
	Code    ErrorCode `json:"code,omitempty"`
}

func (*Execute) clientMessage() {}
func (*Input) clientMessage()   {}

func (*Output) serverMessage()   {}
func (*Complete) serverMessage() {}
func (*Error) serverMessage()    {}

func NewExecute(code string) *Execute {
	return &Execute{Type: TypeExecute, Code: code}
}

func NewInput(input string) *Input {
	return &Input{Type: TypeInput, Input: input}
}

func NewOutput(stream runner.Stream, data string, seq uint64) *Output {
	return &Output{Type: TypeOutput, Stream: stream, Data: data, Seq: seq}
}

func NewComplete(exitCode int, d time.Duration) *Complete {
	return &Complete{Type: TypeComplete, ExitCode: exitCode, DurationMS: d.Milliseconds()}
}

func NewError(code ErrorCode, message string) *Error {
	return &Error{Type: TypeError, Code: code, Message: message}
}
