// Package probe gathers the hardware facts a compute node reports when it
// checks in: processor count, physical memory, ZFS presence, OS and
// machine architecture.
package probe

import (
	"bufio"
	"fmt"
	"io"
	"runtime"
	"strconv"
	"strings"

	"github.com/xinlaoda/lpjs/internal/node"
)

// Info describes a compute node.
type Info struct {
	CPUs       uint
	PhysMemMiB uint64
	ZFS        bool
	OS         string
	Arch       string
}

// Specs converts the probe result to the checkin form.
func (i Info) Specs() node.Specs {
	return node.Specs{
		Cores:  i.CPUs,
		MemMiB: i.PhysMemMiB,
		ZFS:    i.ZFS,
		OS:     i.OS,
		Arch:   i.Arch,
	}
}

// Detect probes the local machine.
func Detect() (Info, error) {
	info := Info{CPUs: uint(runtime.NumCPU())}

	mem, err := physMemMiB()
	if err != nil {
		return info, fmt.Errorf("probe memory: %w", err)
	}
	info.PhysMemMiB = mem
	info.ZFS = zfsMounted()
	info.OS, info.Arch = osArch()
	return info, nil
}

// Format renders info as the tab separated key/value block printed by
// lpjs_compd -probe.
func Format(info Info) string {
	zfs := 0
	if info.ZFS {
		zfs = 1
	}
	return fmt.Sprintf("CPUs\t%d\nPhysmem\t%d\nZFS\t%d\nOS\t%s\nArch\t%s\n",
		info.CPUs, info.PhysMemMiB, zfs, info.OS, info.Arch)
}

// Parse reads a block written by Format. Unknown keys are ignored.
func Parse(r io.Reader) (Info, error) {
	var info Info
	seen := 0
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), "\t")
		if !ok {
			continue
		}
		switch key {
		case "CPUs":
			n, err := strconv.ParseUint(val, 10, 32)
			if err != nil {
				return info, fmt.Errorf("probe: CPUs %q: %w", val, err)
			}
			info.CPUs = uint(n)
		case "Physmem":
			n, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				return info, fmt.Errorf("probe: Physmem %q: %w", val, err)
			}
			info.PhysMemMiB = n
		case "ZFS":
			info.ZFS = val == "1"
		case "OS":
			info.OS = val
		case "Arch":
			info.Arch = val
		default:
			continue
		}
		seen++
	}
	if err := sc.Err(); err != nil {
		return info, err
	}
	if info.CPUs == 0 {
		return info, fmt.Errorf("probe: missing CPUs (%d fields read)", seen)
	}
	return info, nil
}

// parseMeminfo returns MemTotal from a /proc/meminfo style listing in MiB.
func parseMeminfo(r io.Reader) (uint64, error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || fields[0] != "MemTotal:" {
			continue
		}
		kib, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("MemTotal %q: %w", fields[1], err)
		}
		return kib / 1024, nil
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("no MemTotal line")
}

// hasZFSMount reports whether a mount listing (/proc/mounts or mount(8)
// output) contains a zfs filesystem.
func hasZFSMount(r io.Reader) bool {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		for _, f := range strings.Fields(sc.Text()) {
			if f == "zfs" || f == "(zfs," || f == "(zfs)" {
				return true
			}
		}
	}
	return false
}
