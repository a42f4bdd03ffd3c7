package process

import (
	"math"
	"regexp"
	"testing"
	"time"
)

func rec(pid, ppid int, cpu time.Duration, mem uint64) Record {
	return Record{PID: pid, PPID: ppid, CPUTime: cpu, Memory: mem, StartTime: time.Unix(100, 0)}
}

func TestBuildAggregatesSubtrees(t *testing.T) {
	t0 := time.Unix(1000, 0)
	prevRecords := []Record{
		rec(1, 0, 0, 0),
		rec(10, 1, 0, 0),
		rec(11, 10, 0, 0),
		rec(12, 10, 0, 0),
		rec(20, 1, 0, 0),
		rec(30, 99, 0, 0), // parent already gone
	}
	prev := Build(prevRecords, nil, t0, 4, 1000)

	records := []Record{
		rec(1, 0, 100*time.Millisecond, 10),
		rec(10, 1, 200*time.Millisecond, 20),
		rec(11, 10, 300*time.Millisecond, 30),
		rec(12, 10, 50*time.Millisecond, 40),
		rec(20, 1, 0, 50),
		rec(30, 99, 500*time.Millisecond, 60),
	}
	tree := Build(records, prev, t0.Add(time.Second), 4, 1000)

	wantTotalMem := map[int]uint64{1: 150, 10: 90, 11: 30, 12: 40, 20: 50, 30: 60}
	wantTotalCPU := map[int]float64{1: 65, 10: 55, 11: 30, 12: 5, 20: 0, 30: 50}
	wantDesc := map[int]int{1: 4, 10: 2, 11: 0, 20: 0, 30: 0}
	for pid, want := range wantTotalMem {
		n := tree.Find(pid)
		if n == nil {
			t.Fatalf("pid %d missing", pid)
		}
		if n.TotalMemory != want {
			t.Errorf("pid %d TotalMemory = %d, want %d", pid, n.TotalMemory, want)
		}
		if math.Abs(n.TotalCPUPercent-wantTotalCPU[pid]) > 1e-9 {
			t.Errorf("pid %d TotalCPUPercent = %v, want %v", pid, n.TotalCPUPercent, wantTotalCPU[pid])
		}
		if d, ok := wantDesc[pid]; ok && n.Descendants != d {
			t.Errorf("pid %d Descendants = %d, want %d", pid, n.Descendants, d)
		}
	}

	// summing the roots counts every self value exactly once
	var rootMem, selfMem uint64
	for _, i := range tree.Roots() {
		rootMem += tree.Nodes[i].TotalMemory
	}
	for _, n := range tree.Nodes {
		selfMem += n.Memory
	}
	if rootMem != selfMem {
		t.Errorf("roots total memory = %d, sum of self = %d", rootMem, selfMem)
	}
	if len(tree.Roots()) != 2 {
		t.Errorf("roots = %d, want 2", len(tree.Roots()))
	}
	if got := tree.Find(1).TotalMemPercent; got != 15 {
		t.Errorf("TotalMemPercent = %v, want 15", got)
	}
}

func TestBuildFirstCycleReportsZero(t *testing.T) {
	tree := Build([]Record{rec(1, 0, time.Hour, 10)}, nil, time.Unix(1000, 0), 1, 0)
	n := tree.Find(1)
	if n.CPUPercent != 0 || !n.Fresh {
		t.Errorf("first cycle cpu = %v fresh = %v, want 0 true", n.CPUPercent, n.Fresh)
	}
}

func TestBuildDetectsPidReuse(t *testing.T) {
	t0 := time.Unix(1000, 0)
	prev := Build([]Record{rec(42, 1, 0, 0)}, nil, t0, 1, 0)

	reused := rec(42, 1, 900*time.Millisecond, 0)
	reused.StartTime = time.Unix(999, 0)
	tree := Build([]Record{reused}, prev, t0.Add(time.Second), 1, 0)
	if n := tree.Find(42); n.CPUPercent != 0 || !n.Fresh {
		t.Errorf("reused pid cpu = %v fresh = %v, want 0 true", n.CPUPercent, n.Fresh)
	}
}

func TestBuildClampsCPU(t *testing.T) {
	t0 := time.Unix(1000, 0)
	prev := Build([]Record{rec(5, 1, 0, 0)}, nil, t0, 2, 0)
	tree := Build([]Record{rec(5, 1, 10*time.Second, 0)}, prev, t0.Add(time.Second), 2, 0)
	if got := tree.Find(5).CPUPercent; got != 200 {
		t.Errorf("CPUPercent = %v, want 200", got)
	}

	// counter going backwards never yields a negative percentage
	back := Build([]Record{rec(5, 1, time.Second, 0)}, tree, t0.Add(2*time.Second), 2, 0)
	if got := back.Find(5).CPUPercent; got != 0 {
		t.Errorf("CPUPercent = %v, want 0", got)
	}
}

func TestBuildSurvivesParentLoops(t *testing.T) {
	records := []Record{
		rec(1, 0, 0, 1),
		rec(7, 8, 0, 10),
		rec(8, 7, 0, 20),
		rec(9, 9, 0, 40),
		rec(6, 8, 0, 80),
	}
	tree := Build(records, nil, time.Unix(1000, 0), 1, 0)

	var rootMem uint64
	for _, i := range tree.Roots() {
		rootMem += tree.Nodes[i].TotalMemory
	}
	if rootMem != 151 {
		t.Errorf("roots total memory = %d, want 151", rootMem)
	}
	if len(tree.Cycles()) != 1 {
		t.Errorf("cycles = %v, want one cut", tree.Cycles())
	}
	if n := tree.Find(9); n.Parent != -1 {
		t.Error("self-parented process must be a root")
	}
}

func TestMatch(t *testing.T) {
	records := []Record{
		{PID: 1, Cmdline: "/sbin/init"},
		{PID: 50, Cmdline: "nginx: master process", Zombie: true},
		{PID: 51, Cmdline: "nginx: master process"},
		{PID: 60, Name: "hostmond"},
	}
	tree := Build(records, nil, time.Now(), 1, 0)

	if n := tree.Match(regexp.MustCompile(`nginx: master`), 0); n == nil || n.PID != 51 {
		t.Errorf("Match = %+v, want pid 51", n)
	}
	if n := tree.Match(regexp.MustCompile(`hostmond`), 60); n != nil {
		t.Errorf("Match should skip its own pid, got %d", n.PID)
	}
	var nilTree *Tree
	if nilTree.Find(1) != nil || nilTree.Len() != 0 {
		t.Error("nil tree lookups should be empty")
	}
}
