package openvpn

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// authUsername is the fixed user name written as the first line of every
// credential file. The server only checks the password line.
const authUsername = "pritunl"

// CreateAuthFile writes a credential file for --auth-user-pass into dir and
// returns its path. The file is readable only by the current user.
func CreateAuthFile(dir, password string) (string, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return "", fmt.Errorf("create auth dir: %w", err)
		}
	}

	f, err := os.CreateTemp(dir, "tk-auth-*")
	if err != nil {
		return "", fmt.Errorf("create auth file: %w", err)
	}

	if err := f.Chmod(0600); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("chmod auth file: %w", err)
	}

	content := fmt.Sprintf("%s\n%s\n", authUsername, password)
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write auth file: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close auth file: %w", err)
	}
	return f.Name(), nil
}

// removeAuthFile deletes path, treating an already missing file as success.
func removeAuthFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
