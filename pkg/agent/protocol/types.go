// Package protocol defines the JSON-lines protocol spoken between devloop and
// an external coding agent over the agent's stdin and stdout.
//
// A session starts with the agent sending READY. devloop then sends one CMD
// at a time; the agent answers with any number of EVENT messages followed by
// exactly one DONE or ERROR carrying the command ID. Closing the agent's
// stdin ends the session and the agent replies with EXIT.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/devloop/devloop/pkg/engine"
)

// Version is the protocol version announced in READY.
const Version = "1"

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady indicates the agent is ready to receive commands
	MessageTypeReady MessageType = "READY"
	// MessageTypeCommand carries a command from devloop
	MessageTypeCommand MessageType = "CMD"
	// MessageTypeEvent reports progress on the running command
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeDone carries the result of a command
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError reports a failed command
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit is sent before the agent terminates
	MessageTypeExit MessageType = "EXIT"
)

// CommandType names the agent operation.
type CommandType string

const (
	CommandAnalyze      CommandType = "analyze"
	CommandGeneratePlan CommandType = "generate-plan"
	CommandGenerateCode CommandType = "generate-code"
)

// Message is the envelope of every protocol line.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent once when the agent starts.
type ReadyMessage struct {
	Version  string            `json:"version"`
	Agent    string            `json:"agent"`
	PID      int               `json:"pid"`
	Caps     []CommandType     `json:"capabilities"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Supports reports whether the agent announced the command.
func (r *ReadyMessage) Supports(ct CommandType) bool {
	for _, c := range r.Caps {
		if c == ct {
			return true
		}
	}
	return false
}

// CommandMessage asks the agent to run one operation.
type CommandMessage struct {
	ID       string            `json:"id"`
	Type     CommandType       `json:"type"`
	Timeout  int               `json:"timeout"` // seconds
	Params   json.RawMessage   `json:"params"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// EventMessage reports progress while a command runs.
type EventMessage struct {
	CommandID string `json:"command_id"`
	Level     string `json:"level"` // info, warn, debug
	Message   string `json:"message"`
}

// DoneMessage carries the result of a command.
type DoneMessage struct {
	CommandID string          `json:"command_id"`
	Result    json.RawMessage `json:"result"`
	Duration  float64         `json:"duration"` // seconds
}

// ErrorMessage reports a failed command. Retryable failures are retried by
// the quality gate executor; the rest escalate.
type ErrorMessage struct {
	CommandID  string `json:"command_id,omitempty"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	RetryAfter int    `json:"retry_after,omitempty"` // seconds
}

func (e *ErrorMessage) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ExitMessage is sent before the agent terminates.
type ExitMessage struct {
	Reason        string `json:"reason"`
	ExitCode      int    `json:"exit_code"`
	CommandsTotal int    `json:"commands_total"`
}

// AnalyzeParams are the params of an analyze command.
type AnalyzeParams struct {
	Issue engine.Issue `json:"issue"`
}

// GeneratePlanParams are the params of a generate-plan command.
type GeneratePlanParams struct {
	Issue    engine.Issue     `json:"issue"`
	Analysis *engine.Analysis `json:"analysis"`
}

// GenerateCodeParams are the params of a generate-code command.
type GenerateCodeParams struct {
	Issue engine.Issue `json:"issue"`
	Plan  *engine.Plan `json:"plan"`
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeCommand, MessageTypeEvent,
		MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the command type is valid.
func (ct CommandType) Validate() error {
	switch ct {
	case CommandAnalyze, CommandGeneratePlan, CommandGenerateCode:
		return nil
	default:
		return fmt.Errorf("invalid command type: %s", ct)
	}
}

// Validate checks if the command message is valid.
func (cmd *CommandMessage) Validate() error {
	if cmd.ID == "" {
		return fmt.Errorf("command ID is required")
	}
	if err := cmd.Type.Validate(); err != nil {
		return err
	}
	if cmd.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if len(cmd.Params) == 0 {
		return fmt.Errorf("command params are required")
	}
	return nil
}

// Validate checks the event and defaults its level.
func (evt *EventMessage) Validate() error {
	if evt.CommandID == "" {
		return fmt.Errorf("command ID is required")
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	switch evt.Level {
	case "info", "warn", "debug":
		return nil
	default:
		return fmt.Errorf("invalid event level: %s", evt.Level)
	}
}
