package output

import (
	"encoding/json"
	"fmt"
)

// JSONFormatter formats reports as single-line JSON.
type JSONFormatter struct {
	// Indent pretty-prints the document when set.
	Indent bool
}

// FormatSuccess formats a success report as JSON.
func (f *JSONFormatter) FormatSuccess(s Success) (string, error) {
	return f.marshal(s)
}

// FormatFailure formats a failure report as JSON.
func (f *JSONFormatter) FormatFailure(r Failure) (string, error) {
	return f.marshal(r)
}

func (f *JSONFormatter) marshal(v any) (string, error) {
	var (
		data []byte
		err  error
	)
	if f.Indent {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return "", fmt.Errorf("failed to marshal report to JSON: %w", err)
	}
	return string(data) + "\n", nil
}
