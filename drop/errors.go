// Copyright (c) 2024 The dropcoord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package drop

import "fmt"

// Error is a terminal precondition failure. The code doubles as the
// HTTP status on the projection; terminal errors must not be retried.
type Error struct {
	Code int
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

// Errorf builds a terminal error with the given code.
func Errorf(code int, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// StatusCode extracts the code from a terminal error, 500 otherwise.
func StatusCode(err error) int {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return 500
}

// IsTerminal reports whether err carries a terminal code.
func IsTerminal(err error) bool {
	_, ok := err.(*Error)
	return ok
}
