package dedupe

import "errors"

// ErrDuplicate reports that an equivalent request is already pending.
var ErrDuplicate = errors.New("equivalent request already pending")
