package pvsync

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRunning = errors.New("sync engine already running")
	ErrStopTimeout    = errors.New("sync engine did not stop in time")
)

// Stage names the step of a cycle that failed.
type Stage string

const (
	StageRead  Stage = "read"
	StageWrite Stage = "write"
	StageTask  Stage = "task"
	StageFlush Stage = "flush"
	StagePanic Stage = "panic"
)

// CycleError is a fatal cycle failure. The engine stops after returning one.
type CycleError struct {
	Stage Stage
	Task  string
	Err   error
}

func (e *CycleError) Error() string {
	if e.Task != "" {
		return fmt.Sprintf("cycle %s failed in task %q: %v", e.Stage, e.Task, e.Err)
	}
	return fmt.Sprintf("cycle %s failed: %v", e.Stage, e.Err)
}

func (e *CycleError) Unwrap() error {
	return e.Err
}
