// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jszone

import (
	"errors"
	"fmt"
)

var (
	// ErrZoneNotFound is returned when no zone has the requested id.
	ErrZoneNotFound = errors.New("zone not found")

	// ErrZoneAlreadyExists is returned by CreateZone for a live id.
	ErrZoneAlreadyExists = errors.New("zone already exists")

	// ErrZoneRecycled is returned for work submitted after Recycle.
	ErrZoneRecycled = errors.New("zone is recycling")

	// ErrTimeout is returned when the caller's wait exceeds its timeout.
	ErrTimeout = errors.New("timeout waiting for result")

	// ErrRuntimeClosed is returned for zone creation after Close.
	ErrRuntimeClosed = errors.New("runtime is closed")

	// ErrInvalidArgument is returned for malformed broadcast or execute input.
	ErrInvalidArgument = errors.New("invalid argument")
)

// ResultCode is the status a worker reports for a request.
type ResultCode int

const (
	CodeSuccess       ResultCode = iota // Request completed
	CodeBadRequest                      // Request could not be unmarshalled or the result marshalled
	CodeExecuteError                    // Script threw or returned an error
	CodeInternalError                   // Worker panicked
)

// String returns the string representation of a ResultCode.
func (c ResultCode) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeBadRequest:
		return "bad request"
	case CodeExecuteError:
		return "execute error"
	case CodeInternalError:
		return "internal error"
	default:
		return "unknown"
	}
}

// RemoteError reports a non-zero result code from a worker. Only the
// message crosses the worker boundary.
type RemoteError struct {
	Code    ResultCode
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Code, e.Message)
}
