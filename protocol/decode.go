package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/guseggert/liverun/runner"
)

// ErrProtocol is wrapped by every error caused by a malformed message.
var ErrProtocol = errors.New("protocol error")

func protocolErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

type fields map[string]json.RawMessage

func parse(b []byte) (Type, fields, error) {
	var f fields
	if err := json.Unmarshal(b, &f); err != nil {
		return "", nil, protocolErrorf("invalid JSON: %s", err)
	}
	if f == nil {
		return "", nil, protocolErrorf("message must be a JSON object")
	}
	var t string
	ok, err := field(f, "type", &t)
	if err != nil {
		return "", nil, err
	}
	if !ok || t == "" {
		return "", nil, protocolErrorf("missing required field \"type\"")
	}
	return Type(t), f, nil
}

// field decodes the named field into v. JSON null counts as missing.
func field(f fields, name string, v any) (bool, error) {
	raw, ok := f[name]
	if !ok || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, protocolErrorf("invalid field %q: %s", name, err)
	}
	return true, nil
}

func required(f fields, t Type, name string, v any) error {
	ok, err := field(f, name, v)
	if err != nil {
		return err
	}
	if !ok {
		return protocolErrorf("missing required field %q in %s message", name, t)
	}
	return nil
}

// DecodeClient parses and validates a client->server frame.
// Every returned error wraps ErrProtocol.
func DecodeClient(b []byte) (ClientMessage, error) {
	t, f, err := parse(b)
	if err != nil {
		return nil, err
	}
	switch t {
	case TypeExecute:
		m := &Execute{Type: t}
		if err := required(f, t, "code", &m.Code); err != nil {
			return nil, err
		}
		return m, nil
	case TypeInput:
		m := &Input{Type: t}
		if err := required(f, t, "input", &m.Input); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, protocolErrorf("unknown message type %q", t)
	}
}

// DecodeServer parses and validates a server->client frame.
// Every returned error wraps ErrProtocol.
func DecodeServer(b []byte) (ServerMessage, error) {
	t, f, err := parse(b)
	if err != nil {
		return nil, err
	}
	switch t {
	case TypeOutput:
		m := &Output{Type: t}
		if err := required(f, t, "stream", &m.Stream); err != nil {
			return nil, err
		}
		if m.Stream != runner.Stdout && m.Stream != runner.Stderr {
			return nil, protocolErrorf("invalid stream %q", m.Stream)
		}
		if err := required(f, t, "data", &m.Data); err != nil {
			return nil, err
		}
		if _, err := field(f, "seq", &m.Seq); err != nil {
			return nil, err
		}
		return m, nil
	case TypeComplete:
		m := &Complete{Type: t}
		if err := required(f, t, "exit_code", &m.ExitCode); err != nil {
			return nil, err
		}
		if _, err := field(f, "duration_ms", &m.DurationMS); err != nil {
			return nil, err
		}
		return m, nil
	case TypeError:
		m := &Error{Type: t}
		if err := required(f, t, "message", &m.Message); err != nil {
			return nil, err
		}
		if _, err := field(f, "code", &m.Code); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, protocolErrorf("unknown message type %q", t)
	}
}
