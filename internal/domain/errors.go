package domain

import "errors"

// Sentinel errors for the domain layer.
var (
	ErrNotFound   = errors.New("domain: not found")
	ErrValidation = errors.New("domain: validation failed")
	ErrBusy       = errors.New("domain: session busy")
	ErrNotRunning = errors.New("domain: no active run")
)
