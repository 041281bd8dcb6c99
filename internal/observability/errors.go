package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors joins the non-nil errors of a multi-step operation, logs them
// once through logger (the global logger when nil) and returns the joined error.
func AggregateErrors(logger Logger, operation string, errs ...error) error {
	filtered := make([]error, 0, len(errs))
	messages := make([]string, 0, len(errs))
	for _, err := range errs {
		if err == nil {
			continue
		}
		filtered = append(filtered, err)
		messages = append(messages, err.Error())
	}
	if len(filtered) == 0 {
		return nil
	}
	if logger == nil {
		logger = Log()
	}
	logger.Error("operation errors",
		Field{Key: "operation", Value: operation},
		Field{Key: "error_count", Value: len(filtered)},
		Field{Key: "errors", Value: messages},
	)
	return fmt.Errorf("%s failed: %w", operation, errors.Join(filtered...))
}
