package types

import "fmt"

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}

// WrapBackend prefixes a backend failure so integration errors are
// distinguishable from validation errors.
func WrapBackend(err error) error {
	if err == nil {
		return nil
	}
	if le, ok := err.(*LixError); ok {
		return le
	}
	return &LixError{Message: "backend: " + err.Error()}
}

// WrapPlugin prefixes a plugin failure with the plugin key.
func WrapPlugin(key string, err error) error {
	if err == nil {
		return nil
	}
	return &LixError{Message: fmt.Sprintf("plugin %s: %v", key, err)}
}
