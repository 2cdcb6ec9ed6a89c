package bridge

import "errors"

var (
	ErrNotInitialized     = errors.New("bridge not initialized, call Init first")
	ErrInvalidCyclePeriod = errors.New("cycle period below minimum")
	ErrUnknownPoint       = errors.New("I/O point not found")
	ErrNoBuilder          = errors.New("no builder for product type")
	ErrAlreadyRunning     = errors.New("bridge already running")
	ErrNotRunning         = errors.New("bridge not running")
	ErrInvalidTransition  = errors.New("invalid state transition")
)
