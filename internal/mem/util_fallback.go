//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// no mlockall here; memguard still wipes buffers on destroy
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
