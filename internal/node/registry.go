package node

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

var (
	// ErrUnauthorized is returned by Checkin for hosts not in the node list.
	ErrUnauthorized = errors.New("node: hostname not in compute node list")

	// ErrOverAllocated reports an allocation that exceeded node capacity.
	ErrOverAllocated = errors.New("node: allocation exceeds capacity")

	// ErrUnderflow reports a release of more than was allocated.
	ErrUnderflow = errors.New("node: release exceeds allocation")
)

// Registry tracks all configured compute nodes. It is not safe for
// concurrent use; the dispatcher's event loop owns it.
type Registry struct {
	nodes          []*Node
	byName         map[string]*Node
	byConn         map[ConnID]*Node
	reservePercent uint
	log            *slog.Logger
	now            func() time.Time
}

// NewRegistry creates an empty registry. reservePercent is the share of
// memory held back on ZFS nodes.
func NewRegistry(reservePercent uint, logger *slog.Logger) *Registry {
	return &Registry{
		byName:         make(map[string]*Node),
		byConn:         make(map[ConnID]*Node),
		reservePercent: reservePercent,
		log:            logger.With("component", "node"),
		now:            time.Now,
	}
}

// Register adds a configured hostname in the Down state. Registering an
// existing hostname returns the existing entry.
func (r *Registry) Register(hostname string) *Node {
	if n, ok := r.byName[hostname]; ok {
		return n
	}
	n := &Node{Hostname: hostname, Seq: len(r.nodes), State: Down}
	r.nodes = append(r.nodes, n)
	r.byName[hostname] = n
	r.log.Info("registered compute node", "hostname", hostname, "seq", n.Seq)
	return n
}

// authorize finds the configured entry matching a claimed hostname. An
// exact match of the short name wins, otherwise the first registered name
// that prefixes the claim.
func (r *Registry) authorize(claimed string) *Node {
	short := claimed
	if i := strings.IndexByte(short, '.'); i > 0 {
		short = short[:i]
	}
	if n, ok := r.byName[short]; ok {
		return n
	}
	for _, n := range r.nodes {
		if strings.HasPrefix(claimed, n.Hostname) {
			return n
		}
	}
	return nil
}

// Checkin binds an agent connection to the configured node matching the
// claimed hostname and marks it Up with the reported specs. prev is the
// connection the node was bound to before, zero if none; the caller
// should close it.
func (r *Registry) Checkin(claimed string, specs Specs, conn ConnID) (n *Node, prev ConnID, err error) {
	n = r.authorize(claimed)
	if n == nil {
		r.log.Warn("unauthorized checkin request", "hostname", claimed)
		return nil, 0, fmt.Errorf("%w: %s", ErrUnauthorized, claimed)
	}

	if n.Conn != 0 && n.Conn != conn {
		prev = n.Conn
		delete(r.byConn, prev)
	}

	n.TotalCores = specs.Cores
	n.TotalMemMiB = specs.MemMiB
	n.ZFS = specs.ZFS
	n.OS = specs.OS
	n.Arch = specs.Arch
	n.State = Up
	n.Conn = conn
	n.LastContact = r.now()
	r.byConn[conn] = n

	r.log.Info("node checked in", "hostname", n.Hostname, "claimed", claimed,
		"cores", n.TotalCores, "mem_mib", n.TotalMemMiB, "zfs", n.ZFS,
		"os", n.OS, "arch", n.Arch)
	return n, prev, nil
}

// Release marks the node bound to conn Down and forgets the connection.
// Allocation counters are left alone; running jobs still hold them.
func (r *Registry) Release(conn ConnID) *Node {
	n, ok := r.byConn[conn]
	if !ok {
		return nil
	}
	delete(r.byConn, conn)
	n.State = Down
	n.Conn = 0
	r.log.Info("node down", "hostname", n.Hostname)
	return n
}

// Touch records activity on a node connection.
func (r *Registry) Touch(conn ConnID) {
	if n, ok := r.byConn[conn]; ok {
		n.LastContact = r.now()
	}
}

// ByConn returns the node bound to conn, or nil.
func (r *Registry) ByConn(conn ConnID) *Node {
	return r.byConn[conn]
}

// Get returns a node by hostname, or nil if not found.
func (r *Registry) Get(hostname string) *Node {
	return r.byName[hostname]
}

// All returns the nodes in registration order.
func (r *Registry) All() []*Node {
	out := make([]*Node, len(r.nodes))
	copy(out, r.nodes)
	return out
}

// MatchingNodes returns the Up nodes able to supply cores and memMiB,
// busiest first so that jobs pack onto partly used nodes. Ties keep
// registration order.
func (r *Registry) MatchingNodes(cores uint, memMiB uint64) []*Node {
	var out []*Node
	for _, n := range r.nodes {
		if n.State != Up {
			continue
		}
		if n.FreeCores() < cores || n.FreeMemMiB(r.reservePercent) < memMiB {
			continue
		}
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UsedCores > out[j].UsedCores
	})
	return out
}

// ApplyAllocation charges cores and memory to n. Counters never exceed
// the node totals; a clamp means the books are wrong and is reported.
func (r *Registry) ApplyAllocation(n *Node, cores uint, memMiB uint64) error {
	var err error
	n.UsedCores += cores
	if n.UsedCores > n.TotalCores {
		r.log.Error("core allocation exceeds capacity, clamping",
			"hostname", n.Hostname, "used", n.UsedCores, "total", n.TotalCores)
		n.UsedCores = n.TotalCores
		err = ErrOverAllocated
	}
	n.UsedMemMiB += memMiB
	if n.UsedMemMiB > n.TotalMemMiB {
		r.log.Error("memory allocation exceeds capacity, clamping",
			"hostname", n.Hostname, "used_mib", n.UsedMemMiB, "total_mib", n.TotalMemMiB)
		n.UsedMemMiB = n.TotalMemMiB
		err = ErrOverAllocated
	}
	if err != nil {
		return fmt.Errorf("%s: %w", n.Hostname, err)
	}
	return nil
}

// ApplyRelease returns cores and memory to n, clamping at zero.
func (r *Registry) ApplyRelease(n *Node, cores uint, memMiB uint64) error {
	var err error
	if cores > n.UsedCores {
		r.log.Error("core release exceeds allocation, clamping",
			"hostname", n.Hostname, "used", n.UsedCores, "release", cores)
		n.UsedCores = 0
		err = ErrUnderflow
	} else {
		n.UsedCores -= cores
	}
	if memMiB > n.UsedMemMiB {
		r.log.Error("memory release exceeds allocation, clamping",
			"hostname", n.Hostname, "used_mib", n.UsedMemMiB, "release_mib", memMiB)
		n.UsedMemMiB = 0
		err = ErrUnderflow
	} else {
		n.UsedMemMiB -= memMiB
	}
	if err != nil {
		return fmt.Errorf("%s: %w", n.Hostname, err)
	}
	return nil
}

// SetUsage replaces the usage counters, used after a checkin to rebuild
// them from the jobs still running on the node.
func (r *Registry) SetUsage(n *Node, cores uint, memMiB uint64) error {
	n.UsedCores, n.UsedMemMiB = 0, 0
	return r.ApplyAllocation(n, cores, memMiB)
}
