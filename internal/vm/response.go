package vm

import (
	"fmt"
	"strconv"
)

// instanceObject walks {"output": {"instance": {...}}} or {"instance": {...}}
// and returns the innermost object.
func instanceObject(payload any) (map[string]any, error) {
	doc, ok := payload.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected a JSON object, got %T", ErrUnexpectedResponse, payload)
	}

	if msg, ok := doc["error"]; ok && truthy(msg) {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, msg)
	}

	if out, ok := doc["output"]; ok {
		if !truthy(out) {
			return nil, fmt.Errorf("%w: empty output", ErrUnexpectedResponse)
		}
		inner, ok := out.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: output is %T, not an object", ErrUnexpectedResponse, out)
		}
		doc = inner
	}

	raw, ok := doc["instance"]
	if !ok {
		return nil, fmt.Errorf("%w: missing instance", ErrUnexpectedResponse)
	}
	instance, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: instance is %T, not an object", ErrUnexpectedResponse, raw)
	}
	return instance, nil
}

// InstanceID extracts instance.id from a create reply.
func InstanceID(payload any) (string, error) {
	instance, err := instanceObject(payload)
	if err != nil {
		return "", err
	}

	raw, ok := instance["id"]
	if !ok {
		return "", fmt.Errorf("%w: missing instance.id", ErrUnexpectedResponse)
	}

	var id string
	switch v := raw.(type) {
	case string:
		id = v
	case float64:
		id = strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return "", fmt.Errorf("%w: instance.id is %T", ErrUnexpectedResponse, raw)
	}
	if id == "" {
		return "", fmt.Errorf("%w: empty instance.id", ErrUnexpectedResponse)
	}
	return id, nil
}

// InstanceState extracts instance.state from a show reply.
// A reply without a state yields "".
func InstanceState(payload any) (string, error) {
	instance, err := instanceObject(payload)
	if err != nil {
		return "", err
	}
	state, _ := instance["state"].(string)
	return state, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	default:
		return true
	}
}
