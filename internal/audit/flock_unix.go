//go:build !windows

package audit

import "syscall"

// flockLock acquires an exclusive advisory lock on the audit log file so
// two SecurityEngine instances pointed at the same log_path cannot
// interleave writes and corrupt the JSON-lines stream.
func flockLock(fd uintptr) error {
	return syscall.Flock(int(fd), syscall.LOCK_EX)
}

// flockUnlock releases the advisory lock acquired by flockLock.
func flockUnlock(fd uintptr) error {
	return syscall.Flock(int(fd), syscall.LOCK_UN)
}
