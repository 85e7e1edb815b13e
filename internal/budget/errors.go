package budget

import "errors"

// ErrUnknownRun is returned by any operation referencing a run ID
// that has no budget registered.
var ErrUnknownRun = errors.New("budget: unknown run")
