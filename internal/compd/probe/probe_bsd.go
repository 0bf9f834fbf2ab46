//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package probe

import (
	"bytes"
	"os/exec"
	"runtime"

	"golang.org/x/sys/unix"
)

func physMemMiB() (uint64, error) {
	key := "hw.physmem"
	switch runtime.GOOS {
	case "darwin":
		key = "hw.memsize"
	case "netbsd":
		key = "hw.physmem64"
	}
	b, err := unix.SysctlUint64(key)
	if err != nil {
		return 0, err
	}
	return b / 1024 / 1024, nil
}

func zfsMounted() bool {
	out, err := exec.Command("mount").Output()
	if err != nil {
		return false
	}
	return hasZFSMount(bytes.NewReader(out))
}

func osArch() (string, string) {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return runtime.GOOS, runtime.GOARCH
	}
	return unix.ByteSliceToString(u.Sysname[:]), unix.ByteSliceToString(u.Machine[:])
}
