package monitor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rennerdo30/tunnelkeeper/internal/util"
)

// LogPath returns the log file path of a profile inside dir.
func LogPath(dir, profileID string) string {
	name := util.FilterID(profileID)
	if name == "" {
		name = "profile"
	}
	return filepath.Join(dir, name+".log")
}

// createLog truncates or creates the profile's log file.
func createLog(dir, profileID string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(LogPath(dir, profileID), os.O_CREATE|os.O_TRUNC|os.O_WRONLY|os.O_APPEND, 0600) //nolint:gosec // G304: path is built from a filtered id
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// ReadLog returns the contents of the profile's log file. A missing file
// yields an empty log.
func ReadLog(dir, profileID string) ([]byte, error) {
	data, err := os.ReadFile(LogPath(dir, profileID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read log file: %w", err)
	}
	return data, nil
}

// ClearLog deletes the profile's log file.
func ClearLog(dir, profileID string) error {
	err := os.Remove(LogPath(dir, profileID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove log file: %w", err)
	}
	return nil
}
