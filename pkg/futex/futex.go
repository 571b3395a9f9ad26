// Package futex parks goroutines on a uint32 that lives in memory shared
// between processes. On linux it is a thin layer over futex(2) without the
// PRIVATE flag; elsewhere Wait degrades to a short sleep so callers that loop
// on the word still make progress.
package futex

import (
	"errors"
	"time"
)

// ErrTimeout is returned by Wait when the timeout elapsed before a wake.
var ErrTimeout = errors.New("futex: timeout")

// Forever passed as a timeout blocks until woken.
const Forever = time.Duration(-1)
