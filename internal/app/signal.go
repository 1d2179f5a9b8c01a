package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// TouchNotifySignal writes a fresh revision (nanosecond timestamp) to the
// signal file so watchers in this or another process see a write.
func TouchNotifySignal(signalPath string) error {
	if signalPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(signalPath), 0755); err != nil {
		return fmt.Errorf("create signal dir: %w", err)
	}
	rev := strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := os.WriteFile(signalPath, []byte(rev), 0644); err != nil {
		return fmt.Errorf("write signal file: %w", err)
	}
	return nil
}

// ReadSignalRevision returns the revision in the signal file, or "" if absent.
func ReadSignalRevision(signalPath string) string {
	data, err := os.ReadFile(signalPath)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
