// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package transport

import "errors"

var (
	// ErrNotTransportable is returned when a value is neither plain data
	// nor a Transportable.
	ErrNotTransportable = errors.New("value is not transportable")

	// ErrUnregisteredConstructor is returned when a payload names a cid the
	// receiving registry does not know.
	ErrUnregisteredConstructor = errors.New("constructor is not registered")

	// ErrDuplicateRegistration is returned when a cid is registered twice.
	ErrDuplicateRegistration = errors.New("constructor is already registered")

	// ErrHandleNotFound is returned when a payload refers to a shared
	// handle the transport context never saw.
	ErrHandleNotFound = errors.New("shared handle not found in transport context")

	// ErrResourceReleased is returned when a shared resource is used after
	// its last reference was dropped.
	ErrResourceReleased = errors.New("shared resource already released")

	// ErrInvalidPayload is returned when a marshalled payload cannot be parsed.
	ErrInvalidPayload = errors.New("invalid transport payload")
)
