package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
)

// Request is a prompt file for `nexus run -f`.
type Request struct {
	Prompt   string `json:"prompt" yaml:"prompt"`
	Strategy string `json:"strategy,omitempty" yaml:"strategy,omitempty"`
}

// LoadRequest loads a request from a YAML or JSON file. Path "-" reads
// stdin.
func LoadRequest(path string) (*Request, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read request: %w", err)
	}
	var req Request
	if err := ParseRequest(data, path, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("request has no prompt")
	}
	return &req, nil
}

// ParseRequest parses request data based on file extension or content
func ParseRequest(data []byte, filename string, v any) error {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("failed to parse YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("failed to parse JSON: %w", err)
		}
	default:
		// JSON is valid YAML, but JSON errors are clearer for JSON input
		if err := json.Unmarshal(data, v); err != nil {
			if err2 := yaml.Unmarshal(data, v); err2 != nil {
				return fmt.Errorf("failed to parse request (tried JSON and YAML)")
			}
		}
	}
	return nil
}
