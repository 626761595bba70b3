// Copyright (c) 2024 Erik Kassubek
//
// File: errs.go
// Brief: Named error kinds returned by the core
//
// License: BSD-3-Clause

// Package errs collects the closed set of error kinds the core reports
// through ordinary return values. Callers match them with errors.Is.
package errs

import "errors"

var (
	// ErrInvalidHandle is returned for a null or already-destroyed resource.
	ErrInvalidHandle = errors.New("deloxide: invalid or destroyed handle")

	// ErrNotHeldByCaller is returned when an unlock is issued by a thread
	// that is not the current holder. (A condvar wait by a non-holder
	// returns ErrMutexNotHeld instead.)
	ErrNotHeldByCaller = errors.New("deloxide: resource not held by caller")

	// ErrAlreadyInitialized is returned by a second call to Init.
	ErrAlreadyInitialized = errors.New("deloxide: already initialized")

	// ErrInvalidConfig is returned for a malformed log path or config.
	ErrInvalidConfig = errors.New("deloxide: invalid configuration")

	// ErrIoFailure is returned when the event sink fails to write or flush.
	ErrIoFailure = errors.New("deloxide: log i/o failure")

	// ErrTimeout is returned when a timed condvar wait expires before
	// being signalled.
	ErrTimeout = errors.New("deloxide: wait timed out")

	// ErrMutexNotHeld is returned when Wait is called on a mutex the
	// calling thread does not currently hold.
	ErrMutexNotHeld = errors.New("deloxide: mutex not held by waiting thread")

	// ErrNotInitialized is returned by operations that require Init to
	// have run first.
	ErrNotInitialized = errors.New("deloxide: not initialized")
)
