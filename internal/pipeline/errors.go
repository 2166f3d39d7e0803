package pipeline

import "errors"

// Sentinel error kinds for this package.
var (
	// Configuration errors; the run fails before any stage executes.
	ErrStoreConfigMissing = errors.New("store config missing")
	ErrInvalidTimeZone    = errors.New("invalid store time zone")
	ErrInvalidStoreConfig = errors.New("invalid store config")

	// ErrRunInProgress rejects a run while the store has an active one.
	ErrRunInProgress = errors.New("run already in progress for store")

	ErrRangeTooLarge = errors.New("date range too large")
	ErrStageFailed   = errors.New("stage failed")
)
