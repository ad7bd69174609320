package contract

import "errors"

var (
	// ErrModelInvoke wraps failures from the completion backend.
	ErrModelInvoke = errors.New("model invocation failed")
	// ErrSchemaViolation marks structured model output that did not parse.
	ErrSchemaViolation = errors.New("model output violates expected schema")
	// ErrValidation marks bad caller input.
	ErrValidation = errors.New("validation failed")
	// ErrDelivery wraps failures sending the reply to the user.
	ErrDelivery = errors.New("message delivery failed")
)
