// Package process builds the per-cycle process forest and aggregates cpu
// and memory usage over subtrees.
package process

import (
	"regexp"
	"time"
)

// Record is one process as enumerated from the operating system
type Record struct {
	PID     int
	PPID    int
	UID     int
	EUID    int
	GID     int
	Name    string
	Cmdline string
	// CPUTime is the cumulative user and system time
	CPUTime   time.Duration
	Memory    uint64
	StartTime time.Time
	Threads   int
	Zombie    bool
}

// Node is a process in the tree arena. Parent and Children are indices
// into Tree.Nodes; Parent is -1 for roots.
type Node struct {
	Record

	Parent   int
	Children []int
	visited  bool

	// CPUPercent is this process alone, TotalCPUPercent includes descendants
	CPUPercent      float64
	TotalCPUPercent float64
	MemPercent      float64
	TotalMemPercent float64
	TotalMemory     uint64
	Descendants     int
	// Fresh is true when no previous sample exists for the process
	Fresh bool
}

// Uptime returns the time since the process started
func (n *Node) Uptime(now time.Time) time.Duration {
	if n.StartTime.IsZero() || now.Before(n.StartTime) {
		return 0
	}
	return now.Sub(n.StartTime)
}

// Tree is the process forest of one cycle
type Tree struct {
	Nodes     []Node
	Collected time.Time
	CPUs      int

	index  map[int]int
	roots  []int
	cycles []int
}

// Build creates the tree for records sampled at now. prev is the tree of the
// previous cycle, used only for cpu deltas, and may be nil.
func Build(records []Record, prev *Tree, now time.Time, cpus int, memMax uint64) *Tree {
	if cpus < 1 {
		cpus = 1
	}
	t := &Tree{
		Nodes:     make([]Node, len(records)),
		Collected: now,
		CPUs:      cpus,
		index:     make(map[int]int, len(records)),
	}
	for i, r := range records {
		t.Nodes[i] = Node{Record: r, Parent: -1}
		t.index[r.PID] = i
	}

	var elapsed time.Duration
	if prev != nil {
		elapsed = now.Sub(prev.Collected)
	}
	maxPercent := 100 * float64(cpus)

	for i := range t.Nodes {
		n := &t.Nodes[i]
		if pi, ok := t.index[n.PPID]; ok && n.PPID != n.PID && n.PID > 0 {
			n.Parent = pi
			t.Nodes[pi].Children = append(t.Nodes[pi].Children, i)
		}

		n.Fresh = true
		if prev != nil && elapsed > 0 {
			if old := prev.Find(n.PID); old != nil && old.StartTime.Equal(n.StartTime) {
				n.Fresh = false
				delta := n.CPUTime - old.CPUTime
				n.CPUPercent = clamp(100*float64(delta)/float64(elapsed), 0, maxPercent)
			}
		}
		if memMax > 0 {
			n.MemPercent = 100 * float64(n.Memory) / float64(memMax)
		}
	}

	for i := range t.Nodes {
		if t.Nodes[i].Parent == -1 {
			t.roots = append(t.roots, i)
			t.aggregate(i)
		}
	}
	// whatever remains unvisited hangs off a parent loop; cut it at the first node seen
	for i := range t.Nodes {
		if !t.Nodes[i].visited {
			t.cycles = append(t.cycles, t.Nodes[i].PID)
			t.roots = append(t.roots, i)
			t.aggregate(i)
		}
	}

	for i := range t.Nodes {
		n := &t.Nodes[i]
		n.TotalCPUPercent = clamp(n.TotalCPUPercent, 0, maxPercent)
		if memMax > 0 {
			n.TotalMemPercent = 100 * float64(n.TotalMemory) / float64(memMax)
		}
	}
	return t
}

// aggregate sums self values into every node of the subtree at root in
// post-order. A node is entered once; edges to visited nodes are skipped.
func (t *Tree) aggregate(root int) {
	type frame struct {
		node  int
		child int
	}
	t.Nodes[root].visited = true
	stack := []frame{{node: root}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		n := &t.Nodes[top.node]
		if top.child < len(n.Children) {
			c := n.Children[top.child]
			top.child++
			if t.Nodes[c].visited {
				continue
			}
			t.Nodes[c].visited = true
			stack = append(stack, frame{node: c})
			continue
		}

		n.TotalCPUPercent += n.CPUPercent
		n.TotalMemory += n.Memory
		stack = stack[:len(stack)-1]
		if len(stack) > 0 {
			p := &t.Nodes[stack[len(stack)-1].node]
			p.TotalCPUPercent += n.TotalCPUPercent
			p.TotalMemory += n.TotalMemory
			p.Descendants += n.Descendants + 1
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Find returns the node of pid or nil
func (t *Tree) Find(pid int) *Node {
	if t == nil {
		return nil
	}
	if i, ok := t.index[pid]; ok {
		return &t.Nodes[i]
	}
	return nil
}

// Match returns the first live process whose command line matches re,
// skipping the daemon itself
func (t *Tree) Match(re *regexp.Regexp, self int) *Node {
	if t == nil || re == nil {
		return nil
	}
	for i := range t.Nodes {
		n := &t.Nodes[i]
		if n.PID == self || n.Zombie {
			continue
		}
		cmd := n.Cmdline
		if cmd == "" {
			cmd = n.Name
		}
		if re.MatchString(cmd) {
			return n
		}
	}
	return nil
}

// Roots returns the indices of root nodes
func (t *Tree) Roots() []int {
	return t.roots
}

// Cycles returns the pids where a parent loop was cut
func (t *Tree) Cycles() []int {
	return t.cycles
}

// Len returns the number of processes
func (t *Tree) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Nodes)
}
