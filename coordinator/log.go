// Copyright (c) 2024 The dropcoord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coordinator

import "github.com/decred/slog"

// log is a package level logger.  The default amounts to discarding all
// log messages until UseLogger is called.
var log = slog.Disabled

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger slog.Logger) {
	log = logger
}
