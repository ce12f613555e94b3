package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/devloop/devloop/pkg/engine"
)

func TestEncoder(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    interface{}
		wantErr bool
	}{
		{
			name:    "ready",
			msgType: MessageTypeReady,
			data:    &ReadyMessage{Version: Version, Agent: "stub", PID: 1234, Caps: []CommandType{CommandAnalyze}},
		},
		{
			name:    "done",
			msgType: MessageTypeDone,
			data:    &DoneMessage{CommandID: "cmd-1", Result: json.RawMessage(`{"summary":"ok"}`), Duration: 1.5},
		},
		{
			name:    "error",
			msgType: MessageTypeError,
			data:    &ErrorMessage{CommandID: "cmd-1", Code: "RATE_LIMITED", Message: "slow down", Retryable: true},
		},
		{
			name:    "exit without data",
			msgType: MessageTypeExit,
		},
		{
			name:    "invalid message type",
			msgType: MessageType("INVALID"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := NewEncoder(&buf).Encode(tt.msgType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Encode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if buf.Len() != 0 {
					t.Errorf("wrote %q on error", buf.String())
				}
				return
			}

			if !strings.HasSuffix(buf.String(), "\n") || strings.Count(buf.String(), "\n") != 1 {
				t.Errorf("output is not a single line: %q", buf.String())
			}
			var msg Message
			if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &msg); err != nil {
				t.Fatalf("output is not valid JSON: %v", err)
			}
			if msg.Type != tt.msgType {
				t.Errorf("type = %v, want %v", msg.Type, tt.msgType)
			}
			if (tt.data == nil) != (len(msg.Data) == 0) {
				t.Errorf("data = %s, input %v", msg.Data, tt.data)
			}
		})
	}
}

func TestEncodeRejectsInvalidPayloads(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	if err := enc.EncodeCommand(&CommandMessage{ID: "c", Type: "deploy", Timeout: 1, Params: json.RawMessage(`{}`)}); err == nil {
		t.Error("unknown command type accepted")
	}
	if err := enc.EncodeEvent(&EventMessage{Message: "no id"}); err == nil {
		t.Error("event without command id accepted")
	}
	if err := enc.EncodeEvent(&EventMessage{CommandID: "c", Level: "fatal"}); err == nil {
		t.Error("invalid level accepted")
	}
	if buf.Len() != 0 {
		t.Errorf("invalid payloads were written: %q", buf.String())
	}
}

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	params, _ := json.Marshal(GenerateCodeParams{
		Issue: engine.Issue{Ref: "acme/api#1", Title: "Crash"},
		Plan:  &engine.Plan{Steps: []string{"guard nil"}},
	})
	cmd := &CommandMessage{ID: "cmd-7", Type: CommandGenerateCode, Timeout: 60, Params: params}
	if err := enc.EncodeCommand(cmd); err != nil {
		t.Fatalf("EncodeCommand() error = %v", err)
	}
	if err := enc.EncodeEvent(&EventMessage{CommandID: "cmd-7", Message: "thinking"}); err != nil {
		t.Fatalf("EncodeEvent() error = %v", err)
	}

	dec := NewDecoder(&buf)
	got, err := dec.DecodeCommand()
	if err != nil {
		t.Fatalf("DecodeCommand() error = %v", err)
	}
	if got.ID != "cmd-7" || got.Type != CommandGenerateCode {
		t.Errorf("command = %+v", got)
	}
	var p GenerateCodeParams
	if err := ParseData(got.Params, &p); err != nil {
		t.Fatalf("ParseData() error = %v", err)
	}
	if p.Issue.Ref != "acme/api#1" || len(p.Plan.Steps) != 1 {
		t.Errorf("params = %+v", p)
	}

	msg, err := dec.Decode()
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	var ev EventMessage
	if err := ParseData(msg.Data, &ev); err != nil {
		t.Fatalf("ParseData() error = %v", err)
	}
	if ev.Level != "info" {
		t.Errorf("event level = %q, want defaulted info", ev.Level)
	}

	if _, err := dec.Decode(); !errors.Is(err, io.EOF) {
		t.Errorf("Decode() at end = %v, want io.EOF", err)
	}
}

func TestDecoder(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		msgType MessageType
	}{
		{
			name:    "ready",
			input:   `{"type":"READY","timestamp":"2026-01-01T00:00:00Z","data":{"version":"1","agent":"stub","pid":1,"capabilities":["analyze"]}}`,
			msgType: MessageTypeReady,
		},
		{
			name:    "blank lines are skipped",
			input:   "\n\n" + `{"type":"EXIT","timestamp":"2026-01-01T00:00:00Z"}`,
			msgType: MessageTypeExit,
		},
		{
			name:    "invalid json",
			input:   `{invalid json`,
			wantErr: true,
		},
		{
			name:    "unknown type",
			input:   `{"type":"HELLO","timestamp":"2026-01-01T00:00:00Z"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NewDecoder(strings.NewReader(tt.input + "\n")).Decode()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && msg.Type != tt.msgType {
				t.Errorf("type = %v, want %v", msg.Type, tt.msgType)
			}
		})
	}
}

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{
			name:  "valid analyze",
			input: `{"type":"CMD","timestamp":"2026-01-01T00:00:00Z","data":{"id":"c1","type":"analyze","timeout":30,"params":{"issue":{"ref":"a/b#1"}}}}`,
		},
		{
			name:    "wrong message type",
			input:   `{"type":"EVENT","timestamp":"2026-01-01T00:00:00Z","data":{}}`,
			wantErr: true,
		},
		{
			name:    "missing id",
			input:   `{"type":"CMD","timestamp":"2026-01-01T00:00:00Z","data":{"type":"analyze","timeout":30,"params":{}}}`,
			wantErr: true,
		},
		{
			name:    "zero timeout",
			input:   `{"type":"CMD","timestamp":"2026-01-01T00:00:00Z","data":{"id":"c1","type":"analyze","timeout":0,"params":{}}}`,
			wantErr: true,
		},
		{
			name:    "missing data",
			input:   `{"type":"CMD","timestamp":"2026-01-01T00:00:00Z"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDecoder(strings.NewReader(tt.input + "\n")).DecodeCommand()
			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeCommand() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestReadySupports(t *testing.T) {
	r := &ReadyMessage{Caps: []CommandType{CommandAnalyze, CommandGeneratePlan}}
	if !r.Supports(CommandGeneratePlan) {
		t.Error("generate-plan not supported")
	}
	if r.Supports(CommandGenerateCode) {
		t.Error("generate-code reported as supported")
	}
}
