package session

import (
	"errors"

	"github.com/guseggert/liverun/protocol"
	"github.com/guseggert/liverun/runner"
)

var (
	ErrCapacityExceeded = errors.New("too many programs are running, try again later")
	ErrAlreadyRunning   = errors.New("a program is already running on this connection")
	ErrNotRunning       = errors.New("no program is running")
	ErrSessionFinished  = errors.New("the program on this connection has finished, open a new connection to run again")
	ErrTimeout          = errors.New("execution timed out")
	ErrOutputLimit      = errors.New("output limit exceeded")
	ErrOutputIncomplete = errors.New("program exited but its output did not end")
	ErrConnectionClosed = errors.New("connection closed")
	ErrShutdown         = errors.New("server shutting down")
	ErrRateLimited      = errors.New("too many messages, slow down")
)

// ErrorCode maps an error to the code sent in an error message.
// Errors that match nothing are runner faults.
func ErrorCode(err error) protocol.ErrorCode {
	var spawnErr *runner.SpawnError
	switch {
	case errors.Is(err, runner.ErrEmptyProgram):
		return protocol.CodeEmptyProgram
	case errors.As(err, &spawnErr):
		return protocol.CodeSpawnError
	case errors.Is(err, runner.ErrPipeClosed):
		return protocol.CodePipeClosed
	case errors.Is(err, ErrTimeout):
		return protocol.CodeTimeout
	case errors.Is(err, ErrOutputLimit):
		return protocol.CodeOutputLimit
	case errors.Is(err, ErrCapacityExceeded):
		return protocol.CodeCapacityExceeded
	case errors.Is(err, ErrAlreadyRunning):
		return protocol.CodeAlreadyRunning
	case errors.Is(err, ErrNotRunning):
		return protocol.CodeNotRunning
	case errors.Is(err, ErrSessionFinished):
		return protocol.CodeSessionFinished
	case errors.Is(err, ErrRateLimited):
		return protocol.CodeRateLimited
	case errors.Is(err, protocol.ErrProtocol):
		return protocol.CodeProtocolError
	default:
		return protocol.CodeRunnerFault
	}
}

// errorMessage builds the error message for err.
func errorMessage(err error) *protocol.Error {
	return protocol.NewError(ErrorCode(err), err.Error())
}
