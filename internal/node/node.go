// Package node implements the compute node registry of lpjs_dispatchd.
package node

import (
	"fmt"
	"time"
)

// State is the reachability of a compute node as seen by the dispatcher.
type State int

const (
	Down State = iota // no authenticated agent connection
	Up                // agent checked in and its connection is open
)

func (s State) String() string {
	if s == Up {
		return "Up"
	}
	return "Down"
}

// ConnID identifies an accepted connection. Zero means no connection.
type ConnID uint64

// Specs are the hardware facts an agent reports at checkin.
type Specs struct {
	Cores  uint
	MemMiB uint64
	ZFS    bool
	OS     string
	Arch   string
}

// Node represents a configured compute node.
type Node struct {
	Hostname string // configured short name
	Seq      int    // registration order

	TotalCores  uint
	UsedCores   uint
	TotalMemMiB uint64
	UsedMemMiB  uint64
	ZFS         bool
	OS          string
	Arch        string

	State       State
	Conn        ConnID
	LastContact time.Time
}

// FreeCores returns the number of unallocated cores.
func (n *Node) FreeCores() uint {
	if n.UsedCores >= n.TotalCores {
		return 0
	}
	return n.TotalCores - n.UsedCores
}

// UsableMemMiB is the memory the scheduler may hand out. ZFS nodes keep
// reservePercent of physical memory back for the ARC.
func (n *Node) UsableMemMiB(reservePercent uint) uint64 {
	if !n.ZFS {
		return n.TotalMemMiB
	}
	reserve := n.TotalMemMiB * uint64(reservePercent) / 100
	return n.TotalMemMiB - reserve
}

// FreeMemMiB returns usable memory not yet allocated.
func (n *Node) FreeMemMiB(reservePercent uint) uint64 {
	usable := n.UsableMemMiB(reservePercent)
	if n.UsedMemMiB >= usable {
		return 0
	}
	return usable - n.UsedMemMiB
}

func (n *Node) String() string {
	return fmt.Sprintf("%s(%s %d/%d cores %d/%d MiB)",
		n.Hostname, n.State, n.UsedCores, n.TotalCores, n.UsedMemMiB, n.TotalMemMiB)
}
