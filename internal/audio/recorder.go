package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Recorder streams PCM into a WAV file. The header is written with zero
// sizes up front and patched on Finish.
type Recorder struct {
	path      string
	format    Format
	file      *os.File
	dataBytes int64
	finished  bool
}

func NewRecorder(path string, f Format) (*Recorder, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	if err := binary.Write(file, binary.LittleEndian, newWAVHeader(f, 0)); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("write wav header: %w", err)
	}
	return &Recorder{path: path, format: f, file: file}, nil
}

func (r *Recorder) Path() string {
	return r.path
}

func (r *Recorder) Write(p []byte) (int, error) {
	if r.finished {
		return 0, os.ErrClosed
	}
	n, err := r.file.Write(p)
	r.dataBytes += int64(n)
	return n, err
}

func (r *Recorder) Finish() (string, error) {
	if r.finished {
		return r.path, nil
	}
	r.finished = true
	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		_ = r.file.Close()
		return "", err
	}
	if err := binary.Write(r.file, binary.LittleEndian, newWAVHeader(r.format, uint32(r.dataBytes))); err != nil {
		_ = r.file.Close()
		return "", fmt.Errorf("patch wav header: %w", err)
	}
	if err := r.file.Sync(); err != nil {
		_ = r.file.Close()
		return "", err
	}
	if err := r.file.Close(); err != nil {
		return "", err
	}
	return r.path, nil
}

// Discard closes and removes a recording that will never be analysed.
func (r *Recorder) Discard() error {
	if !r.finished {
		r.finished = true
		_ = r.file.Close()
	}
	return os.Remove(r.path)
}
