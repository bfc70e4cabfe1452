package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")

	// ErrNoRecipients is returned when a job with an empty recipient set is started.
	ErrNoRecipients = fmt.Errorf("%w: job has no recipients", ErrValidation)

	// ErrGatewayUnavailable aborts a delivery run after repeated transient gateway outages.
	ErrGatewayUnavailable = errors.New("gateway unavailable")
)
