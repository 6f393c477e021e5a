package heapfile

import (
	"io"
	"os"

	"github.com/ctavplay/heapfile/constant"
)

// Config configures Open. It mirrors gaeadb's db.Config/db.DefaultConfig
// shape: a plain struct of dependencies and knobs, with a DefaultConfig
// constructor filling in sane defaults.
type Config struct {
	// Path is the backing file. It is created if it does not exist.
	Path string

	// Key is the cipher key used to encrypt object ids and payloads.
	// An empty key degenerates to identity (no encryption).
	Key []byte

	// MaxSize caps the file's on-disk size. constant.Unbounded (the
	// default) disables the cap.
	MaxSize uint64

	// LogWriter receives log output. Defaults to os.Stderr.
	LogWriter io.Writer
}

// DefaultConfig returns a Config with no key, no size cap, and logging
// to stderr. Callers must still set Path.
func DefaultConfig() Config {
	return Config{
		MaxSize:   constant.Unbounded,
		LogWriter: os.Stderr,
	}
}
