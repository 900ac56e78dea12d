package config

import "errors"

var (
	// ErrMissingEnv is returned when a ${VAR} reference names an unset
	// variable.
	ErrMissingEnv = errors.New("config: missing required environment variables")

	// ErrInvalid is wrapped by every validation failure.
	ErrInvalid = errors.New("config: invalid configuration")
)
