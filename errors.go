package main

import (
	"errors"
	"fmt"
)

// Failure classes for the counter reader. Anything that is neither a missing
// device nor a malformed stats line is passed through as the underlying I/O
// error.
var (
	errDeviceNotFound = errors.New("no such block device")
	errStatsParse     = errors.New("malformed stats line")
)

type passthroughStage string

const (
	stageIoctl    passthroughStage = "ioctl"
	stageStatus   passthroughStage = "status"
	stageResponse passthroughStage = "response"
)

// passthroughError reports a failed SG_IO exchange. The stage tells whether
// the ioctl itself failed, the drive rejected the command, or the returned
// sense data was structurally unusable.
type passthroughError struct {
	stage  passthroughStage
	detail string
	err    error
}

func (e *passthroughError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("ata passthrough failed at %s: %s: %v", e.stage, e.detail, e.err)
	}
	return fmt.Sprintf("ata passthrough failed at %s: %s", e.stage, e.detail)
}

func (e *passthroughError) Unwrap() error { return e.err }

// scriptError reports a readiness script that could not be executed at all,
// as opposed to one that ran and exited non-zero.
type scriptError struct {
	path string
	err  error
}

func (e *scriptError) Error() string {
	return fmt.Sprintf("could not run '%s': %v", e.path, e.err)
}

func (e *scriptError) Unwrap() error { return e.err }
