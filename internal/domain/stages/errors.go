package stages

import "errors"

// Stage-level fatal errors. Any of these fails the run.
var (
	ErrNoLocation     = errors.New("stages: store time zone not resolved")
	ErrNoBaseCurrency = errors.New("stages: store base currency not set")
	ErrUnexpectedRows = errors.New("stages: unexpected rows for stage")
	ErrInvalidParams  = errors.New("stages: invalid params")
)
