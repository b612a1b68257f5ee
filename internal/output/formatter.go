// Package output renders run reports in machine-readable formats (JSON, YAML).
package output

import (
	"fmt"
)

// Format represents an output format type.
type Format string

const (
	// FormatJSON is a JSON format for machine consumption.
	FormatJSON Format = "json"
	// FormatYAML is a YAML format for humans and config pipelines.
	FormatYAML Format = "yaml"
)

// Report statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Success is printed to stdout when a command succeeds.
type Success struct {
	Status  string   `json:"status" yaml:"status"`
	Msg     string   `json:"msg" yaml:"msg"`
	Verbose []string `json:"verbose,omitempty" yaml:"verbose,omitempty"`
}

// Failure is printed to stderr when a command fails.
type Failure struct {
	Status    string `json:"status" yaml:"status"`
	ErrorCode int    `json:"error_code" yaml:"error_code"`
	Msg       string `json:"msg" yaml:"msg"`
}

// NewSuccess builds a success report. trace is included only when verbose is set.
func NewSuccess(msg string, trace []string, verbose bool) Success {
	s := Success{Status: StatusSuccess, Msg: msg}
	if verbose {
		s.Verbose = append([]string{}, trace...)
	}
	return s
}

// NewFailure builds a failure report.
func NewFailure(code int, msg string) Failure {
	return Failure{Status: StatusFailed, ErrorCode: code, Msg: msg}
}

// Formatter renders a report.
type Formatter interface {
	// FormatSuccess formats a success report.
	FormatSuccess(s Success) (string, error)

	// FormatFailure formats a failure report.
	FormatFailure(f Failure) (string, error)
}

// Options contains options for formatting output.
type Options struct {
	// Format specifies the output format.
	Format Format
}

// NewFormatter creates a new Formatter based on the specified format.
func NewFormatter(opts Options) (Formatter, error) {
	switch opts.Format {
	case FormatJSON, "":
		return &JSONFormatter{}, nil
	case FormatYAML:
		return &YAMLFormatter{}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s (supported: json, yaml)", opts.Format)
	}
}

// ValidateFormat checks if a format string is valid.
func ValidateFormat(format string) error {
	switch Format(format) {
	case FormatJSON, FormatYAML:
		return nil
	default:
		return fmt.Errorf("invalid format: %s (valid formats: json, yaml)", format)
	}
}
