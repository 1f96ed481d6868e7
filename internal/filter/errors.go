package filter

import "fmt"

// ConfigurationError reports a mandatory collaborator missing at startup.
type ConfigurationError struct {
	Field string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("filter: %s is required", e.Field)
}
