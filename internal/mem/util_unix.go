//go:build linux || darwin || freebsd || openbsd || netbsd || dragonfly

package mem

import (
	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

func lockMemoryPlatform() (ProtectionLevel, error) {
	err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE)
	switch {
	case err == nil:
		return ProtectionFull, nil
	// no CAP_IPC_LOCK, RLIMIT_MEMLOCK too low, or no mlockall at all
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.ENOMEM), errors.Is(err, unix.ENOSYS):
		return ProtectionPartial, nil
	default:
		return ProtectionNone, errors.Annotate(err, "locking process memory")
	}
}

func unlockMemoryPlatform() error {
	return errors.Annotate(unix.Munlockall(), "unlocking process memory")
}
