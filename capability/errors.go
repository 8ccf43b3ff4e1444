package capability

import "errors"

// Capability errors.
var (
	// ErrUnknownNamespace is returned when no capability is registered under a namespace.
	ErrUnknownNamespace = errors.New("unknown capability namespace")

	// ErrUnknownCapability is returned when a namespace exists but the name does not.
	ErrUnknownCapability = errors.New("unknown capability")

	// ErrInvalidArguments is returned when input or output fails schema validation.
	ErrInvalidArguments = errors.New("invalid arguments")

	// ErrDuplicateCapability is returned when a key is registered twice.
	ErrDuplicateCapability = errors.New("capability already registered")
)
