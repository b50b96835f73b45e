package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEmptyMessage = errors.New("empty message")
	ErrBadEnvelope  = errors.New("malformed envelope")
)

// ClipPrefix tags clipboard wire lines.
const ClipPrefix = "CLIPSSH/1 "

// NewEnvelope assembles an envelope for the given protocol and stamps it
// with a fresh msg_id and the producer's wall clock.
func NewEnvelope(protocol string, kind Kind, sessionID, source string, seq int64, body any) (*Envelope, error) {
	if !ValidKind(protocol, kind) {
		return nil, fmt.Errorf("kind %q is not valid for %s", kind, protocol)
	}
	target := SourceServer
	if source == SourceServer {
		target = SourceClient
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	return &Envelope{
		Protocol:  protocol,
		Kind:      kind,
		SessionID: sessionID,
		MsgID:     uuid.NewString(),
		Seq:       seq,
		TS:        time.Now().UTC().Format(time.RFC3339Nano),
		Source:    source,
		Target:    target,
		Body:      raw,
	}, nil
}

// Encode renders the canonical UTF-8 JSON form of an envelope.
func Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, ErrEmptyMessage
	}
	return json.Marshal(env)
}

// Decode parses and validates an envelope. Anything that fails validation
// is an encoding error: callers log and drop, never surface.
func Decode(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, ErrEmptyMessage
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if !ValidKind(env.Protocol, env.Kind) {
		return nil, fmt.Errorf("%w: kind %q not valid for protocol %q", ErrBadEnvelope, env.Kind, env.Protocol)
	}
	if env.Source != SourceClient && env.Source != SourceServer {
		return nil, fmt.Errorf("%w: source %q", ErrBadEnvelope, env.Source)
	}
	if env.Target != SourceClient && env.Target != SourceServer {
		return nil, fmt.Errorf("%w: target %q", ErrBadEnvelope, env.Target)
	}
	if env.MsgID == "" {
		return nil, fmt.Errorf("%w: missing msg_id", ErrBadEnvelope)
	}
	if env.Seq < 0 {
		return nil, fmt.Errorf("%w: negative seq %d", ErrBadEnvelope, env.Seq)
	}
	return &env, nil
}

// DecodeBody unmarshals the kind-specific body record.
func DecodeBody(env *Envelope, v any) error {
	return json.Unmarshal(env.Body, v)
}

// ClipLine renders the clipboard wire form: "CLIPSSH/1 <base64-json>".
func ClipLine(env *Envelope) (string, error) {
	data, err := Encode(env)
	if err != nil {
		return "", err
	}
	return ClipPrefix + base64.StdEncoding.EncodeToString(data), nil
}

// ParseClipLine decodes a clipboard line. Non-protocol clipboard content
// returns (nil, nil) so callers can ignore it silently.
func ParseClipLine(text string) (*Envelope, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, ClipPrefix) {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(text[len(ClipPrefix):]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	return Decode(raw)
}

// LogLine renders the Drive append-log form: one base64 envelope, no prefix.
func LogLine(env *Envelope) (string, error) {
	data, err := Encode(env)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data) + "\n", nil
}

// ParseLogLine decodes one Drive log line.
func ParseLogLine(line string) (*Envelope, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, ErrEmptyMessage
	}
	raw, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	return Decode(raw)
}
