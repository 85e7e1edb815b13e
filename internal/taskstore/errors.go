package taskstore

import "errors"

// ErrNotFound is returned when a lookup or update targets an unknown
// task_id.
var ErrNotFound = errors.New("taskstore: task not found")

// ErrAlreadyExists is returned by Create when the task_id is already
// registered.
var ErrAlreadyExists = errors.New("taskstore: task already exists")
