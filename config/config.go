package config

import (
	"os"
	"time"
)

var (
	// DirEnv names the environment variable holding the default namespace.
	DirEnv     = "MILK_SHM_DIR"
	DefaultDir = "/dev/shm"

	KeywordCapacity = 50
	BankSize        = 10
	SemaphoreCap    = 10
	FilePerm        = os.FileMode(0666)

	// WaitSlice bounds how long a blocked reader parks before it re-checks
	// cancellation and segment removal.
	WaitSlice = 20 * time.Millisecond

	MonitorInterval = time.Second
	MonitorWorkers  = 16

	BridgeAddr        = ":31337"
	BridgeMaxFrame    = 256 << 20
	BridgeDialTimeout = 5 * time.Second
)

// Dir resolves the segment namespace: an explicit value wins, then the
// config file, then $MILK_SHM_DIR, then DefaultDir.
func Dir(explicit string, f *File) string {
	if explicit != "" {
		return explicit
	}
	if f != nil && f.Dir != "" {
		return f.Dir
	}
	if env := os.Getenv(DirEnv); env != "" {
		return env
	}
	return DefaultDir
}
