package model

import "errors"

// Sentinel error kinds for this package.
var (
	ErrInvalidDate     = errors.New("invalid date")
	ErrInvalidRange    = errors.New("invalid date range")
	ErrInvalidStatus   = errors.New("invalid run status transition")
	ErrMissingStore    = errors.New("store id required")
	ErrInvalidPlatform = errors.New("invalid platform")
)
