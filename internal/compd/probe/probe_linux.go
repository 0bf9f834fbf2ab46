//go:build linux

package probe

import (
	"os"

	"golang.org/x/sys/unix"
)

func physMemMiB() (uint64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return parseMeminfo(f)
}

func zfsMounted() bool {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return false
	}
	defer f.Close()
	return hasZFSMount(f)
}

func osArch() (string, string) {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return "Linux", "unknown"
	}
	return unix.ByteSliceToString(u.Sysname[:]), unix.ByteSliceToString(u.Machine[:])
}
