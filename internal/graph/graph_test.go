package graph_test

import (
	"testing"

	"github.com/pop-os/system76-scheduler/internal/graph"
)

func insertChain(g *graph.Graph, pids ...uint32) []*graph.Record {
	records := make([]*graph.Record, 0, len(pids))
	var ppid uint32
	for _, pid := range pids {
		r := g.Insert(graph.Candidate{PID: pid, PPID: ppid, Name: "p", Cmdline: "/bin/p"})
		if ppid != 0 {
			g.LinkParent(r, ppid)
		}
		records = append(records, r)
		ppid = pid
	}
	return records
}

func TestInsertCreatesNewRecord(t *testing.T) {
	g := graph.New()
	r := g.Insert(graph.Candidate{PID: 10, PPID: 1, Name: "sh", Cmdline: "/bin/sh"})
	if r.PID != 10 || r.Name != "sh" {
		t.Fatalf("unexpected record: %+v", r)
	}
	if g.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", g.Len())
	}
	got, ok := g.Get(10)
	if !ok || got != r {
		t.Fatalf("Get(10) did not return the inserted record")
	}
}

// B1: a record whose name changes between observations has its prior name
// preserved in ForkedName and its verdict cleared.
func TestInsertExecRenamePreservesForked(t *testing.T) {
	g := graph.New()
	r := g.Insert(graph.Candidate{PID: 10, PPID: 1, Name: "bash", Cmdline: "/bin/bash"})
	r.Verdict = graph.Assignable

	r2 := g.Insert(graph.Candidate{PID: 10, PPID: 1, Name: "tar", Cmdline: "/usr/bin/tar"})
	if r2 != r {
		t.Fatal("same (pid,ppid) key must mutate the existing record, not allocate a new one")
	}
	if r.ForkedName != "bash" || r.ForkedCmdline != "/bin/bash" {
		t.Fatalf("forked_* not preserved: forkedName=%q forkedCmdline=%q", r.ForkedName, r.ForkedCmdline)
	}
	if r.Name != "tar" || r.Cmdline != "/usr/bin/tar" {
		t.Fatalf("name/cmdline not updated: %+v", r)
	}
	if r.Verdict != graph.NotAssignable {
		t.Fatalf("verdict not reset on rename: %v", r.Verdict)
	}
}

func TestInsertSameNameDoesNotClearVerdict(t *testing.T) {
	g := graph.New()
	r := g.Insert(graph.Candidate{PID: 10, PPID: 1, Name: "bash", Cmdline: "/bin/bash"})
	r.Verdict = graph.Assignable

	g.Insert(graph.Candidate{PID: 10, PPID: 1, Name: "bash", Cmdline: "/bin/bash", Cgroup: "x"})
	if r.Verdict != graph.Assignable {
		t.Fatalf("verdict cleared without a name change: %v", r.Verdict)
	}
	if r.Cgroup != "x" {
		t.Fatalf("cgroup not overwritten: %q", r.Cgroup)
	}
}

// P1: for every record with a parent link, the parent record exists.
func TestParentResolvesThroughIndex(t *testing.T) {
	g := graph.New()
	records := insertChain(g, 10, 20, 30)

	parent, ok := g.Parent(records[2])
	if !ok || parent.PID != 20 {
		t.Fatalf("Parent(30) = %+v, %v; want pid 20", parent, ok)
	}
}

func TestParentDanglesWhenRemoved(t *testing.T) {
	g := graph.New()
	records := insertChain(g, 10, 20)
	child := records[1]

	g.DrainPrepare()
	// Do not retain/insert 10: only the child is re-observed this sweep.
	g.RetainTree(child)
	g.DrainCommit()

	if _, ok := g.Get(10); ok {
		t.Fatal("parent should have been swept")
	}
	if _, ok := g.Parent(child); ok {
		t.Fatal("Parent should report false once the linked record is gone, not dangle")
	}
}

func TestAncestorsWalksFullChain(t *testing.T) {
	g := graph.New()
	records := insertChain(g, 10, 20, 30)

	ancestors := g.Ancestors(records[2])
	if len(ancestors) != 2 || ancestors[0].PID != 20 || ancestors[1].PID != 10 {
		t.Fatalf("Ancestors(30) = %v, want [20, 10]", pids(ancestors))
	}
}

// P5: after a refresh sweep, no record exists for a PID not present in
// /proc unless it is an ancestor of a present record.
func TestDrainSweepRetainsAncestorsOfLiveRecords(t *testing.T) {
	g := graph.New()
	records := insertChain(g, 10, 20, 30)

	g.DrainPrepare()
	// Only the leaf (30) is re-observed; its ancestors must still survive.
	g.RetainTree(records[2])
	g.DrainCommit()

	if _, ok := g.Get(10); !ok {
		t.Fatal("ancestor pid 10 should survive the sweep")
	}
	if _, ok := g.Get(20); !ok {
		t.Fatal("ancestor pid 20 should survive the sweep")
	}
	if _, ok := g.Get(30); !ok {
		t.Fatal("observed leaf pid 30 should survive the sweep")
	}
}

func TestDrainSweepRemovesUnretainedRecords(t *testing.T) {
	g := graph.New()
	insertChain(g, 10, 20)

	g.DrainPrepare()
	// Nothing retained this cycle: both pids vanished from /proc.
	g.DrainCommit()

	if _, ok := g.Get(10); ok {
		t.Fatal("pid 10 should have been removed")
	}
	if _, ok := g.Get(20); ok {
		t.Fatal("pid 20 should have been removed")
	}
	if g.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", g.Len())
	}
}

// A pid reused under a new ppid (orphan reparented to init, a new process
// racing onto the same pid, etc.) allocates a new record under a new hash
// key while the old key's record still lingers in the drain set. Committing
// that sweep must not let the stale key's cleanup delete the pid index entry
// now pointing at the live record.
func TestDrainCommitDoesNotClobberReparentedPID(t *testing.T) {
	g := graph.New()
	old := g.Insert(graph.Candidate{PID: 10, PPID: 1, Name: "old", Cmdline: "/bin/old"})

	g.DrainPrepare()
	// Re-observed under a different ppid: Insert allocates a new record and
	// repoints byPID[10], but the old (pid=10,ppid=1) key is still present
	// in the drain set because it was never retained.
	fresh := g.Insert(graph.Candidate{PID: 10, PPID: 2, Name: "new", Cmdline: "/bin/new"})
	if fresh == old {
		t.Fatal("a different ppid must allocate a new record, not mutate the old one")
	}
	g.RetainTree(fresh)
	g.DrainCommit()

	got, ok := g.Get(10)
	if !ok {
		t.Fatal("pid 10 should still resolve after the sweep")
	}
	if got != fresh {
		t.Fatalf("Get(10) = %+v, want the reparented record %+v", got, fresh)
	}
}

func pids(records []*graph.Record) []uint32 {
	out := make([]uint32, len(records))
	for i, r := range records {
		out[i] = r.PID
	}
	return out
}
