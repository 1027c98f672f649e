package common

import (
	"errors"
	"os"
	"strings"
)

// ReadFromFile treats s as a file path and returns its trimmed
// contents. When s is not a readable, non-empty file, s itself comes
// back along with the error, so flag values may hold either a literal
// secret or a path to one.
func ReadFromFile(s string) (string, error) {
	info, err := os.Stat(s)
	if err != nil {
		return s, err
	}
	if info.IsDir() {
		return s, errors.New("supplied path is a directory")
	}
	raw, err := os.ReadFile(s)
	if err != nil {
		return s, err
	}
	txt := strings.TrimSpace(string(raw))
	if txt == "" {
		return s, errors.New("supplied file is empty")
	}
	return txt, nil
}
