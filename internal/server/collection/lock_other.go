//go:build !unix

package collection

import (
	"fmt"
	"os"
)

// fileLock on non-unix platforms only marks the collection as in use; the
// in-process session manager is what keeps a collection single-owner there.
type fileLock struct {
	f *os.File
}

func lockFile(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("lock file: %w", err)
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) Unlock() error { return l.f.Close() }
