package action

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Decode parses one wire line into an Action. A line that is not a JSON
// object is an error; a well-formed object with an unrecognised action_type
// decodes successfully to KindUnknown.
func Decode(line []byte) (Action, error) {
	var a Action
	if err := json.Unmarshal(line, &a); err != nil {
		return Action{}, fmt.Errorf("malformed action line: %w", err)
	}
	if !knownKinds[a.Kind] {
		a.Kind = KindUnknown
	}
	return a, nil
}

// Encode renders an Action as a single wire line, without the trailing
// newline.
func Encode(a Action) ([]byte, error) {
	if a.Kind == "" || a.Kind == KindUnknown {
		return nil, fmt.Errorf("cannot encode action with kind %q", a.Kind)
	}
	return json.Marshal(a)
}

// Reader decodes a stream of newline-delimited actions.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader wraps r in an action Reader.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	// Playlist pushes grow with the queue, so allow long lines.
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	return &Reader{scanner: scanner}
}

// Read blocks for the next line and decodes it. It returns io.EOF once the
// underlying stream ends and the transport error if the read itself failed;
// a line that fails to decode is returned as a decode error with the stream
// still usable.
func (r *Reader) Read() (Action, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return Action{}, err
		}
		return Action{}, io.EOF
	}
	return Decode(r.scanner.Bytes())
}

// Writer encodes actions onto a stream, one per line. Writes are serialised
// by an internal mutex so concurrent callers cannot interleave lines, and
// every write is flushed before Write returns.
type Writer struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewWriter wraps w in an action Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Write encodes a and appends it to the stream as one newline-terminated
// line.
func (w *Writer) Write(a Action) error {
	encoded, err := Encode(a)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(encoded); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}
