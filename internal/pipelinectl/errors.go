package pipelinectl

import "errors"

var (
	// ErrUsage reports bad command line input.
	ErrUsage = errors.New("usage")
	// ErrUnknownCommand is returned for a command name pipelinectl does not know.
	ErrUnknownCommand = errors.New("unknown command")
)
