package manager

import "github.com/banksean/zoned/zerr"

// LockQueue acquires the advisory queue semaphore, blocking until it is
// free. A client uses LockQueue/UnlockQueue to bracket a sequence of calls
// it wants to run without another client's calls interleaving; it has no
// effect on any single handler's own locking.
func (m *Manager) LockQueue() {
	m.queueLock <- struct{}{}
}

// UnlockQueue releases the advisory queue semaphore. Calling it without a
// matching LockQueue is a caller bug; it returns InvalidState rather than
// panicking so a misbehaving client can't wedge the semaphore for everyone
// else.
func (m *Manager) UnlockQueue() error {
	select {
	case <-m.queueLock:
		return nil
	default:
		return zerr.New(zerr.InvalidState, "UnlockQueue called without a matching LockQueue")
	}
}
