//go:build !linux && !darwin && !dragonfly && !freebsd && !netbsd && !openbsd

package probe

import (
	"errors"
	"runtime"
)

func physMemMiB() (uint64, error) {
	return 0, errors.New("physical memory detection not supported on " + runtime.GOOS)
}

func zfsMounted() bool { return false }

func osArch() (string, string) { return runtime.GOOS, runtime.GOARCH }
