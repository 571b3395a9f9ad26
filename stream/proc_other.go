//go:build !unix

package stream

func processAlive(pid int) bool {
	return pid > 0
}
