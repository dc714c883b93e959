// Copyright 2026 The Ramses Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil classifies connection errors shared by the transport
// carriers.
package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// IsExpectedCloseError reports whether err is a normal connection
// termination: EOF, closed connection, broken pipe, or connection
// reset. A link read loop sees one of these whenever the peer hangs up
// or the local node shuts the connection down, so they are not worth
// logging as failures.
//
// Full-close teardown (closing the whole connection rather than
// half-close via CloseWrite) produces ECONNRESET and EPIPE instead of
// EOF on the surviving side. All four are expected.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
