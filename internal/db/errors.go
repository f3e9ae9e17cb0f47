package db

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicateRule = errors.New("rule name already exists")
	// ErrConflict is returned when an alert was modified since it was read.
	ErrConflict = errors.New("version conflict")
	// ErrBounced marks a permanent recipient rejection. Senders wrap it.
	ErrBounced = errors.New("recipient bounced")
)
