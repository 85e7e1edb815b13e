package procstore

import "errors"

// ErrNotFound is returned when a lookup or update targets an unknown
// process_id.
var ErrNotFound = errors.New("procstore: record not found")

// ErrAlreadyExists is returned by Insert when the process_id is
// already registered.
var ErrAlreadyExists = errors.New("procstore: record already exists")
