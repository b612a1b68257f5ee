package output

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// YAMLFormatter formats reports as YAML.
type YAMLFormatter struct{}

// FormatSuccess formats a success report as YAML.
func (f *YAMLFormatter) FormatSuccess(s Success) (string, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal report to YAML: %w", err)
	}
	return string(data), nil
}

// FormatFailure formats a failure report as YAML.
func (f *YAMLFormatter) FormatFailure(r Failure) (string, error) {
	data, err := yaml.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal report to YAML: %w", err)
	}
	return string(data), nil
}
