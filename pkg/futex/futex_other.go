//go:build !linux

package futex

import (
	"sync/atomic"
	"time"
)

const pollInterval = 200 * time.Microsecond

func Wait(addr *uint32, val uint32, timeout time.Duration) error {
	if atomic.LoadUint32(addr) != val {
		return nil
	}
	d := pollInterval
	if timeout >= 0 && timeout < d {
		d = timeout
	}
	time.Sleep(d)
	if timeout >= 0 && timeout <= pollInterval && atomic.LoadUint32(addr) == val {
		return ErrTimeout
	}
	return nil
}

func Wake(addr *uint32, n int) (int, error) {
	return 0, nil
}
