package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// MaxLineBytes bounds a single protocol line. Generated code travels inline.
const MaxLineBytes = 16 * 1024 * 1024

// Encoder writes protocol messages to an io.Writer. It is safe for
// concurrent use.
type Encoder struct {
	mu  sync.Mutex
	w   *bufio.Writer
	now func() time.Time
}

// NewEncoder creates a new protocol encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w:   bufio.NewWriter(w),
		now: time.Now,
	}
}

// Encode writes one message line and flushes it.
func (e *Encoder) Encode(msgType MessageType, data interface{}) error {
	if err := msgType.Validate(); err != nil {
		return fmt.Errorf("invalid message type: %w", err)
	}

	msg := Message{Type: msgType, Timestamp: e.now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data: %w", err)
		}
		msg.Data = raw
	}

	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if len(line) >= MaxLineBytes {
		return fmt.Errorf("message of %d bytes exceeds the %d byte line limit", len(line), MaxLineBytes)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// EncodeReady sends a READY message.
func (e *Encoder) EncodeReady(ready *ReadyMessage) error {
	return e.Encode(MessageTypeReady, ready)
}

// EncodeCommand validates and sends a CMD message.
func (e *Encoder) EncodeCommand(cmd *CommandMessage) error {
	if err := cmd.Validate(); err != nil {
		return fmt.Errorf("invalid command: %w", err)
	}
	return e.Encode(MessageTypeCommand, cmd)
}

// EncodeEvent sends an EVENT message.
func (e *Encoder) EncodeEvent(event *EventMessage) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	return e.Encode(MessageTypeEvent, event)
}

// EncodeDone sends a DONE message.
func (e *Encoder) EncodeDone(done *DoneMessage) error {
	return e.Encode(MessageTypeDone, done)
}

// EncodeError sends an ERROR message.
func (e *Encoder) EncodeError(errMsg *ErrorMessage) error {
	return e.Encode(MessageTypeError, errMsg)
}

// EncodeExit sends an EXIT message.
func (e *Encoder) EncodeExit(exit *ExitMessage) error {
	return e.Encode(MessageTypeExit, exit)
}

// Decoder reads protocol messages from an io.Reader.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a new protocol decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	return &Decoder{r: scanner}
}

// Decode reads the next message. Blank lines are skipped. io.EOF is
// returned unwrapped when the stream ends.
func (d *Decoder) Decode() (*Message, error) {
	for {
		if !d.r.Scan() {
			if err := d.r.Err(); err != nil {
				return nil, fmt.Errorf("scan error: %w", err)
			}
			return nil, io.EOF
		}
		if len(d.r.Bytes()) > 0 {
			break
		}
	}

	var msg Message
	if err := json.Unmarshal(d.r.Bytes(), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if err := msg.Type.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	return &msg, nil
}

// DecodeCommand reads the next message and requires it to be a valid CMD.
func (d *Decoder) DecodeCommand() (*CommandMessage, error) {
	msg, err := d.Decode()
	if err != nil {
		return nil, err
	}
	if msg.Type != MessageTypeCommand {
		return nil, fmt.Errorf("expected CMD message, got %s", msg.Type)
	}

	var cmd CommandMessage
	if err := ParseData(msg.Data, &cmd); err != nil {
		return nil, err
	}
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}
	return &cmd, nil
}

// ParseData unmarshals a message payload, command params or result.
func ParseData(data json.RawMessage, target interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to parse payload: %w", err)
	}
	return nil
}
