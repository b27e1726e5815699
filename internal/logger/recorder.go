package logger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// CastHeader is the first line of an asciicast v2 recording.
type CastHeader struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Asciicast event codes.
const (
	EventOutput = "o"
	EventInput  = "i"
	EventResize = "r"
)

// CastEvent is one [offset, code, data] line of a recording.
type CastEvent struct {
	Offset float64
	Code   string
	Data   string
}

func (e CastEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Offset, e.Code, e.Data})
}

func (e *CastEvent) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("cast event: expected 3 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &e.Offset); err != nil {
		return fmt.Errorf("cast event offset: %w", err)
	}
	if err := json.Unmarshal(raw[1], &e.Code); err != nil {
		return fmt.Errorf("cast event code: %w", err)
	}
	if err := json.Unmarshal(raw[2], &e.Data); err != nil {
		return fmt.Errorf("cast event data: %w", err)
	}
	return nil
}

// Recorder writes a session transcript in asciicast v2 format. Write errors
// are sticky: after the first one every call returns it and nothing is written.
type Recorder struct {
	mu    sync.Mutex
	w     *bufio.Writer
	file  *os.File
	start time.Time
	err   error
}

// CreateRecorder creates the recording file at path and writes its header.
func CreateRecorder(path string, header CastHeader) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	r := NewRecorder(f, header)
	r.file = f
	if r.err != nil {
		f.Close()
		return nil, r.err
	}
	return r, nil
}

// NewRecorder writes a recording to w. The header timestamp defaults to now.
func NewRecorder(w io.Writer, header CastHeader) *Recorder {
	r := &Recorder{w: bufio.NewWriter(w), start: time.Now()}
	header.Version = 2
	if header.Timestamp == 0 {
		header.Timestamp = r.start.Unix()
	}
	data, err := json.Marshal(header)
	if err != nil {
		r.err = fmt.Errorf("marshal cast header: %w", err)
		return r
	}
	r.writeLine(data)
	return r
}

// Output records bytes produced by the process.
func (r *Recorder) Output(data []byte) error {
	return r.event(EventOutput, string(data))
}

// Input records bytes sent to the process.
func (r *Recorder) Input(data []byte) error {
	return r.event(EventInput, string(data))
}

// Resize records a terminal size change.
func (r *Recorder) Resize(cols, rows uint16) error {
	return r.event(EventResize, fmt.Sprintf("%dx%d", cols, rows))
}

func (r *Recorder) event(code, data string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	line, err := json.Marshal(CastEvent{Offset: time.Since(r.start).Seconds(), Code: code, Data: data})
	if err != nil {
		return fmt.Errorf("marshal cast event: %w", err)
	}
	r.writeLine(line)
	return r.err
}

func (r *Recorder) writeLine(line []byte) {
	if _, err := r.w.Write(append(line, '\n')); err != nil {
		r.err = fmt.Errorf("write recording: %w", err)
		return
	}
	// Flush per event so the file is readable while the session runs.
	if err := r.w.Flush(); err != nil {
		r.err = fmt.Errorf("flush recording: %w", err)
	}
}

// Close flushes and closes the recording file, if the recorder owns one.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.w.Flush()
	if r.file != nil {
		if cerr := r.file.Close(); err == nil {
			err = cerr
		}
		r.file = nil
	}
	return err
}
