//go:build !unix

package streamrelay

import "os"

// Advisory locking is unix-only; elsewhere the lock file is created but
// ownership is not enforced.
func acquireLedgerLock(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
}

func releaseLedgerLock(f *os.File) {
	if f == nil {
		return
	}
	_ = f.Close()
}
