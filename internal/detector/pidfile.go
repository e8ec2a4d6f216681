package detector

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrNoPIDFile is returned by ReadPIDFile when the file does not exist.
var ErrNoPIDFile = errors.New("pid file not found")

// PIDMeta is written on the second line of a PID file so a reused PID can be
// told apart from the process that wrote it.
type PIDMeta struct {
	StartUnix int64  `json:"start_unix"`
	Name      string `json:"name,omitempty"`
}

// WritePIDFile records pid and its start time at path with mode 0600.
func WritePIDFile(path string, pid int, name string) error {
	if path == "" || pid <= 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	meta, err := json.Marshal(PIDMeta{StartUnix: getProcStartUnix(pid), Name: name})
	if err != nil {
		return err
	}
	content := strconv.Itoa(pid) + "\n" + string(meta) + "\n"
	return os.WriteFile(path, []byte(content), 0o600)
}

// ReadPIDFile parses a PID file. A file holding only the PID yields a zero meta.
func ReadPIDFile(path string) (int, PIDMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, PIDMeta{}, ErrNoPIDFile
		}
		return 0, PIDMeta{}, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, PIDMeta{}, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	var meta PIDMeta
	if len(lines) >= 2 {
		_ = json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &meta)
	}
	return pid, meta, nil
}

// PIDFileDetector detects a process via a PID file written by WritePIDFile.
type PIDFileDetector struct {
	PIDFile string
}

// PID returns the recorded PID when that process is still the one that wrote
// the file, or 0 otherwise.
func (d PIDFileDetector) PID() (int, error) {
	pid, meta, err := ReadPIDFile(d.PIDFile)
	if err != nil {
		if errors.Is(err, ErrNoPIDFile) {
			return 0, nil
		}
		return 0, err
	}
	if meta.StartUnix > 0 {
		cur := getProcStartUnix(pid)
		if cur > 0 && cur != meta.StartUnix {
			return 0, nil // PID reused; not our process
		}
	}
	if !pidAlive(pid) {
		return 0, nil
	}
	return pid, nil
}

func (d PIDFileDetector) Alive() (bool, error) {
	pid, err := d.PID()
	return pid > 0, err
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

// PIDDetector detects by a provided PID number.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive() (bool, error) { return pidAlive(d.PID), nil }
func (d PIDDetector) Describe() string     { return fmt.Sprintf("pid:%d", d.PID) }
