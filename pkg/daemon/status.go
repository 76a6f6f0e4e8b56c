package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Startup states written to the status file.
const (
	StatusReady = "ready"
	StatusError = "error"
)

// StatusFile tells a launcher whether the daemon came up.
type StatusFile struct {
	Status    string    `json:"status"`
	PID       int       `json:"pid,omitempty"`
	Error     string    `json:"error,omitempty"`
	Socket    string    `json:"socket,omitempty"`
	API       string    `json:"api,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// WriteStatusReady records a successful start.
func WriteStatusReady(path, socket, api string) error {
	return writeStatus(path, &StatusFile{
		Status:    StatusReady,
		PID:       os.Getpid(),
		Socket:    socket,
		API:       api,
		StartedAt: time.Now(),
	})
}

// WriteStatusError records a failed start.
func WriteStatusError(path string, err error) error {
	return writeStatus(path, &StatusFile{
		Status:    StatusError,
		Error:     err.Error(),
		StartedAt: time.Now(),
	})
}

// writeStatus replaces the file atomically so a polling launcher never
// reads a partial document.
func writeStatus(path string, status *StatusFile) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadStatus reads a status file.
func ReadStatus(path string) (*StatusFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var status StatusFile
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// RemoveStatus removes the status file.
func RemoveStatus(path string) error {
	return os.Remove(path)
}
