package client

import "errors"

var (
	// ErrMissingLabel is returned when Execute is called without a label.
	ErrMissingLabel = errors.New("client: operation label is required")

	// ErrNoDB is returned by operations that need a *sql.DB the client was
	// not given.
	ErrNoDB = errors.New("client: no database configured")
)
