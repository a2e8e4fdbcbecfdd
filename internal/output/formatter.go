// Package output renders command results as JSON or YAML.
package output

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Supported formats. FormatText leaves rendering to the command.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Formatter renders one value.
type Formatter interface {
	Format(data any) (string, error)
}

// NewFormatter returns the Formatter for format, or nil for FormatText.
// Pretty controls JSON indentation.
func NewFormatter(format string, pretty bool) (Formatter, error) {
	switch strings.ToLower(format) {
	case "", FormatText:
		return nil, nil
	case FormatJSON:
		return &JSONFormatter{Indent: pretty}, nil
	case FormatYAML:
		return &YAMLFormatter{}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
	}
}

// JSONFormatter formats data as JSON, one line unless Indent is set.
type JSONFormatter struct {
	Indent bool
}

func (f *JSONFormatter) Format(data any) (string, error) {
	var (
		b   []byte
		err error
	)
	if f.Indent {
		b, err = json.MarshalIndent(data, "", "  ")
	} else {
		b, err = json.Marshal(data)
	}
	if err != nil {
		return "", fmt.Errorf("formatting JSON: %w", err)
	}
	return string(b) + "\n", nil
}

// YAMLFormatter formats data as a YAML document.
type YAMLFormatter struct{}

func (f *YAMLFormatter) Format(data any) (string, error) {
	// Round-trip through JSON so json tags and custom marshalers decide
	// the field names, as they do for JSON output.
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("formatting YAML: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("formatting YAML: %w", err)
	}
	b, err := yaml.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("formatting YAML: %w", err)
	}
	return "---\n" + string(b), nil
}
