package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Encoder writes newline-delimited JSON Messages to an underlying
// writer. Safe for concurrent use: writes are serialized so interleaved
// goroutines (e.g. the supervisor's event pump and its subtask reply
// path) never tear a line.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder wraps w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode marshals msg and writes it as one newline-terminated line.
func (e *Encoder) Encode(msg Message) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("ipc: marshal message: %w", err)
	}
	line = append(line, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(line); err != nil {
		return fmt.Errorf("ipc: write message: %w", err)
	}
	return nil
}

// EncodePayload marshals an arbitrary payload into a Message of the
// given type and encodes it.
func (e *Encoder) EncodePayload(msgType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ipc: marshal payload: %w", err)
	}
	return e.Encode(Message{Type: msgType, Payload: raw})
}

// Decoder reads newline-delimited JSON Messages from an underlying
// reader, one per Decode call.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps r. The scanner buffer is grown to 1MiB to
// accommodate large subtask/result payloads without truncation.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Decoder{scanner: scanner}
}

// Decode reads the next line and unmarshals it into a Message. Returns
// io.EOF when the underlying reader is exhausted.
func (d *Decoder) Decode() (Message, error) {
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return Message{}, fmt.Errorf("ipc: read message: %w", err)
		}
		return Message{}, io.EOF
	}

	var msg Message
	if err := json.Unmarshal(d.scanner.Bytes(), &msg); err != nil {
		return Message{}, fmt.Errorf("ipc: unmarshal message: %w", err)
	}
	return msg, nil
}
