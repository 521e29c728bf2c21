package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// WritePIDFile records pid via temp file and rename.
func WritePIDFile(path string, pid int) error {
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("pidfile dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".pid-*")
	if err != nil {
		return fmt.Errorf("pidfile temp: %w", err)
	}
	name := tmp.Name()
	_, werr := tmp.WriteString(strconv.Itoa(pid) + "\n")
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(name)
		if werr != nil {
			return fmt.Errorf("pidfile write: %w", werr)
		}
		return fmt.Errorf("pidfile close: %w", cerr)
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("pidfile rename: %w", err)
	}
	return nil
}

// ReadPIDFile parses the recorded pid. A missing file is not an error;
// ok is false.
func ReadPIDFile(path string) (int, bool, error) {
	if path == "" {
		return 0, false, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("pidfile %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, false, fmt.Errorf("pidfile %s: malformed content %q", path, strings.TrimSpace(string(b)))
	}
	return pid, true, nil
}

// RemovePIDFile deletes the file, tolerating absence.
func RemovePIDFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pidfile %s: %w", path, err)
	}
	return nil
}
