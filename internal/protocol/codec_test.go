package protocol

import (
	"errors"
	"strings"
	"testing"
)

// TestEncodeDecode_RoundTrip verifies that every kind of envelope survives
// Encode followed by Decode unchanged.
func TestEncodeDecode_RoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		protocol string
		kind     Kind
		body     any
	}{
		{"connect_req", ProtocolGit, KindConnectReq, ConnectReqBody{Source: "client"}},
		{"connect_ack", ProtocolGit, KindConnectAck, ConnectAckBody{SessionID: "abc123", User: "u", Host: "h", Cwd: "/tmp", Cols: 80, Rows: 24}},
		{"pty_input", ProtocolGit, KindPtyInput, StreamBody{Data: []byte("ls -la\n")}},
		{"pty_output", ProtocolGit, KindPtyOutput, StreamBody{Data: []byte{0x00, 0xFF, 0x1B, '[', 'm'}}},
		{"pty_resize", ProtocolGit, KindPtyResize, ResizeBody{Cols: 120, Rows: 40}},
		{"pty_signal", ProtocolGit, KindPtySignal, SignalBody{Name: "INT"}},
		{"pty_closed", ProtocolGit, KindPtyClosed, ClosedBody{ExitStatus: 130}},
		{"cmd", ProtocolClip, KindCmd, CmdBody{Text: "echo hi"}},
		{"stdout", ProtocolClip, KindStdout, StreamBody{Data: []byte("hi\n")}},
		{"exit", ProtocolClip, KindExit, ExitBody{Code: 0}},
		{"busy", ProtocolClip, KindBusy, BusyBody{SessionID: "other"}},
		{"error", ProtocolGit, KindError, ErrorBody{Code: "shell", Message: "spawn failed"}},
		{"heartbeat", ProtocolClip, KindHeartbeat, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := NewEnvelope(tc.protocol, tc.kind, "sess", SourceClient, 7, tc.body)
			if err != nil {
				t.Fatalf("NewEnvelope: %v", err)
			}
			data, err := Encode(env)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got.Protocol != env.Protocol || got.Kind != env.Kind || got.SessionID != env.SessionID ||
				got.MsgID != env.MsgID || got.Seq != env.Seq || got.Source != env.Source || got.Target != env.Target {
				t.Errorf("envelope mismatch:\n  got  %+v\n  want %+v", got, env)
			}
			if string(got.Body) != string(env.Body) {
				t.Errorf("body mismatch: got %s, want %s", got.Body, env.Body)
			}
		})
	}
}

// TestNewEnvelope_RejectsForeignKind verifies that a kind belonging to the
// other protocol is rejected at build time.
func TestNewEnvelope_RejectsForeignKind(t *testing.T) {
	if _, err := NewEnvelope(ProtocolClip, KindPtyInput, "s", SourceClient, 0, nil); err == nil {
		t.Fatal("expected error for pty_input on CLIPSSH/1")
	}
	if _, err := NewEnvelope(ProtocolGit, KindCmd, "s", SourceClient, 0, nil); err == nil {
		t.Fatal("expected error for cmd on gitssh/2")
	}
}

// TestDecode_RejectsMalformed verifies that structurally invalid envelopes
// come back as ErrBadEnvelope rather than half-parsed values.
func TestDecode_RejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", "{nope"},
		{"unknown protocol", `{"protocol":"telnet/9","kind":"cmd","session_id":"s","msg_id":"m","seq":0,"ts":"t","source":"client","target":"server","body":null}`},
		{"unknown kind", `{"protocol":"CLIPSSH/1","kind":"reboot","session_id":"s","msg_id":"m","seq":0,"ts":"t","source":"client","target":"server","body":null}`},
		{"bad source", `{"protocol":"CLIPSSH/1","kind":"cmd","session_id":"s","msg_id":"m","seq":0,"ts":"t","source":"nobody","target":"server","body":null}`},
		{"negative seq", `{"protocol":"CLIPSSH/1","kind":"cmd","session_id":"s","msg_id":"m","seq":-1,"ts":"t","source":"client","target":"server","body":null}`},
		{"missing msg_id", `{"protocol":"CLIPSSH/1","kind":"cmd","session_id":"s","msg_id":"","seq":0,"ts":"t","source":"client","target":"server","body":null}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode([]byte(tc.data)); !errors.Is(err, ErrBadEnvelope) {
				t.Errorf("got %v, want ErrBadEnvelope", err)
			}
		})
	}
}

// TestDecode_Empty verifies that an empty input reports ErrEmptyMessage.
func TestDecode_Empty(t *testing.T) {
	if _, err := Decode(nil); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("got %v, want ErrEmptyMessage", err)
	}
}

// TestClipLine_RoundTrip verifies the clipboard wire form: prefix, base64
// payload, and lossless parse.
func TestClipLine_RoundTrip(t *testing.T) {
	env, err := NewEnvelope(ProtocolClip, KindCmd, "sess", SourceClient, 3, CmdBody{Text: "pwd"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	line, err := ClipLine(env)
	if err != nil {
		t.Fatalf("ClipLine: %v", err)
	}
	if !strings.HasPrefix(line, ClipPrefix) {
		t.Fatalf("line %q missing prefix %q", line, ClipPrefix)
	}
	got, err := ParseClipLine(line)
	if err != nil {
		t.Fatalf("ParseClipLine: %v", err)
	}
	if got == nil || got.MsgID != env.MsgID || got.Seq != env.Seq {
		t.Errorf("parsed envelope mismatch: %+v", got)
	}
}

// TestParseClipLine_IgnoresForeignContent verifies that ordinary user
// clipboard content parses to (nil, nil) so it can be skipped silently.
func TestParseClipLine_IgnoresForeignContent(t *testing.T) {
	for _, text := range []string{"", "hello world", "https://example.com", "CLIPSSH/2 abc"} {
		env, err := ParseClipLine(text)
		if env != nil || err != nil {
			t.Errorf("ParseClipLine(%q) = (%v, %v), want (nil, nil)", text, env, err)
		}
	}
}

// TestParseClipLine_RejectsGarbageAfterPrefix verifies that a tagged line
// with an unparseable payload reports an error instead of an envelope.
func TestParseClipLine_RejectsGarbageAfterPrefix(t *testing.T) {
	if env, err := ParseClipLine(ClipPrefix + "!!!not-base64!!!"); err == nil || env != nil {
		t.Errorf("got (%v, %v), want decode error", env, err)
	}
}

// TestLogLine_RoundTrip verifies the Drive append-log form: one base64
// line, newline-terminated, lossless.
func TestLogLine_RoundTrip(t *testing.T) {
	env, err := NewEnvelope(ProtocolGit, KindPtyOutput, "sess", SourceServer, 12, StreamBody{Data: []byte("out")})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	line, err := LogLine(env)
	if err != nil {
		t.Fatalf("LogLine: %v", err)
	}
	if !strings.HasSuffix(line, "\n") {
		t.Fatalf("log line not newline-terminated: %q", line)
	}
	got, err := ParseLogLine(line)
	if err != nil {
		t.Fatalf("ParseLogLine: %v", err)
	}
	if got.MsgID != env.MsgID {
		t.Errorf("msg_id mismatch: got %s, want %s", got.MsgID, env.MsgID)
	}
}

// TestSeqGen_StartsAtZeroAndIncrements verifies the seq contract: strictly
// increasing from 0 with no gaps.
func TestSeqGen_StartsAtZeroAndIncrements(t *testing.T) {
	var g SeqGen
	for want := int64(0); want < 5; want++ {
		if got := g.Next(); got != want {
			t.Fatalf("Next() = %d, want %d", got, want)
		}
	}
	if g.Peek() != 5 {
		t.Errorf("Peek() = %d, want 5", g.Peek())
	}
}

// TestNewEnvelope_UniqueMsgIDs verifies that every envelope gets a fresh
// msg_id.
func TestNewEnvelope_UniqueMsgIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		env, err := NewEnvelope(ProtocolClip, KindHeartbeat, "s", SourceClient, int64(i), nil)
		if err != nil {
			t.Fatalf("NewEnvelope: %v", err)
		}
		if seen[env.MsgID] {
			t.Fatalf("duplicate msg_id %s", env.MsgID)
		}
		seen[env.MsgID] = true
	}
}
