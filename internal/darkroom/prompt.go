package darkroom

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrEmptyPrompt is returned when the prompt file holds no usable text.
var ErrEmptyPrompt = errors.New("prompt file is empty")

// LoadPrompt reads the prompt file once at startup. Trailing newlines are
// trimmed; everything else is sent verbatim as the prompt field. A missing
// or empty file is a precondition failure, caught before any request.
func LoadPrompt(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	p := strings.TrimRight(string(b), "\r\n")
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("%w: %s", ErrEmptyPrompt, path)
	}
	return p, nil
}
