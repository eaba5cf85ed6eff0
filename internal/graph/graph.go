// Package graph holds the live process graph: an arena of process records
// keyed by a stable (pid, ppid) hash, with an auxiliary pid-to-record index,
// parent back-references resolved by key lookup rather than by pointer, and
// drain-mark/sweep support for generational refresh.
package graph

import (
	"hash/maphash"
)

// Verdict is the cached classification of a record, produced by the rule
// engine and consumed by the overlay manager and priority applier.
type Verdict int

const (
	NotAssignable Verdict = iota
	Assignable
	Exception
	Configured
)

// Key identifies a record by the pair the spec requires: pid and the ppid
// captured at insertion. A process that reparents keeps its old key until
// the next full scan re-derives it, matching the spec's "ppid may be stale"
// note.
type Key struct {
	PID  uint32
	PPID uint32
}

func (k Key) hash() uint64 {
	var h maphash.Hash
	h.SetSeed(hashSeed)
	var buf [8]byte
	buf[0] = byte(k.PID)
	buf[1] = byte(k.PID >> 8)
	buf[2] = byte(k.PID >> 16)
	buf[3] = byte(k.PID >> 24)
	buf[4] = byte(k.PPID)
	buf[5] = byte(k.PPID >> 8)
	buf[6] = byte(k.PPID >> 16)
	buf[7] = byte(k.PPID >> 24)
	h.Write(buf[:])
	return h.Sum64()
}

var hashSeed = maphash.MakeSeed()

// Record is one observed process. ProfileName is meaningful only when
// Verdict is Configured; it names the entry in the compiled rule set so the
// overlay manager and priority applier can look up the profile without the
// rule engine re-running.
type Record struct {
	Key

	Name                string
	Cmdline             string
	Cgroup              string
	ForkedName          string
	ForkedCmdline       string
	ParentKey           Key
	HasParent           bool
	Verdict             Verdict
	ProfileName         string
	PipewireAncestor    uint32
	HasPipewireAncestor bool
}

// Candidate is the information available about a process before it is
// inserted: everything Insert needs to decide whether to create a new
// record or mutate an existing one in place.
type Candidate struct {
	PID     uint32
	PPID    uint32
	Cgroup  string
	Cmdline string
	Name    string
}

// Graph is the arena. It is single-owner: callers must never use it from
// more than one goroutine concurrently (the event loop owns exactly one).
type Graph struct {
	byHash map[uint64]*Record
	byPID  map[uint32]*Record
	drain  map[uint64]struct{}

	// highWater is the largest size the arena has reached since its last
	// shrink. DrainCommit rebuilds the backing maps once the live set has
	// fallen from above lowWaterMark back to it or below, since Go maps
	// never release bucket memory on their own as entries are deleted.
	highWater int
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		byHash: make(map[uint64]*Record),
		byPID:  make(map[uint32]*Record),
	}
}

// Get returns the record for pid, if one exists.
func (g *Graph) Get(pid uint32) (*Record, bool) {
	r, ok := g.byPID[pid]
	return r, ok
}

// Insert applies the spec's §4.2 insert semantics: if a record with the same
// (pid,ppid) key exists, it is mutated in place (cgroup overwritten; on a
// name change the previous name/cmdline shift into forked_*, and verdict
// resets to NotAssignable). The parent link is not touched here; callers set
// it with LinkParent. Otherwise a new record is
// allocated and both indexes are updated. Returns the resulting record.
func (g *Graph) Insert(c Candidate) *Record {
	key := Key{PID: c.PID, PPID: c.PPID}
	h := key.hash()

	if existing, ok := g.byHash[h]; ok {
		existing.Cgroup = c.Cgroup
		if c.Name != "" && c.Name != existing.Name {
			existing.ForkedName = existing.Name
			existing.ForkedCmdline = existing.Cmdline
			existing.Name = c.Name
			existing.Cmdline = c.Cmdline
			existing.Verdict = NotAssignable
			existing.ProfileName = ""
		}
		delete(g.drain, h)
		return existing
	}

	r := &Record{
		Key:     key,
		Name:    c.Name,
		Cmdline: c.Cmdline,
		Cgroup:  c.Cgroup,
		Verdict: NotAssignable,
	}
	g.byHash[h] = r
	g.byPID[c.PID] = r
	return r
}

// LinkParent records that r's parent is the record presently identified by
// parentPID, if such a record exists. The link is stored as a key, not a
// pointer; Parent re-resolves it through the (pid,ppid) key index on every
// access, so a
// removed parent is observed as "no parent" rather than a dangling
// reference.
func (g *Graph) LinkParent(r *Record, parentPID uint32) {
	if parent, ok := g.byPID[parentPID]; ok {
		r.ParentKey = parent.Key
		r.HasParent = true
		return
	}
	r.HasParent = false
}

// Parent resolves r's parent link against the current arena contents. It
// returns (nil, false) if r has no link, or if the linked key has since been
// removed from the arena — the Go equivalent of a Weak upgrade returning
// None.
func (g *Graph) Parent(r *Record) (*Record, bool) {
	if !r.HasParent {
		return nil, false
	}
	p, ok := g.byHash[r.ParentKey.hash()]
	return p, ok
}

// Ancestors returns the chain of ancestor records reached by following
// parent links from r, nearest first. The walk is finite and acyclic by
// construction: each step strictly follows a snapshot key, and a cycle would
// require a record to be its own ancestor, which Insert never produces.
func (g *Graph) Ancestors(r *Record) []*Record {
	var out []*Record
	seen := make(map[uint64]struct{})
	cur := r
	for {
		parent, ok := g.Parent(cur)
		if !ok {
			return out
		}
		h := parent.Key.hash()
		if _, loop := seen[h]; loop {
			return out
		}
		seen[h] = struct{}{}
		out = append(out, parent)
		cur = parent
	}
}

// DrainPrepare snapshots every key currently in the arena into the
// "to-remove" set, ahead of a refresh sweep.
func (g *Graph) DrainPrepare() {
	g.drain = make(map[uint64]struct{}, len(g.byHash))
	for h := range g.byHash {
		g.drain[h] = struct{}{}
	}
}

// RetainTree removes r and every ancestor reachable from r via parent links
// from the "to-remove" set, so a live record's whole chain survives the
// sweep even if an ancestor was not itself re-observed this cycle.
func (g *Graph) RetainTree(r *Record) {
	delete(g.drain, r.Key.hash())
	for _, ancestor := range g.Ancestors(r) {
		delete(g.drain, ancestor.Key.hash())
	}
}

// lowWaterMark is the arena size DrainCommit shrinks toward after a sweep,
// per spec §5's resource bound.
const lowWaterMark = 1024

// DrainCommit removes every record still marked in the "to-remove" set
// (records whose key was not retained during this sweep) and reallocates the
// backing maps at the low-water mark when the arena has fallen back to that
// mark from a larger peak, so a one-time burst of short-lived processes does
// not permanently inflate memory use.
func (g *Graph) DrainCommit() {
	if len(g.byHash) > g.highWater {
		g.highWater = len(g.byHash)
	}

	for h := range g.drain {
		if r, ok := g.byHash[h]; ok {
			// byPID[r.PID] may have already been repointed to a newer
			// record inserted under a different key (pid reused with a
			// new ppid after reparenting): only remove the index entry
			// if it still points at the record this key is draining.
			if g.byPID[r.PID] == r {
				delete(g.byPID, r.PID)
			}
			delete(g.byHash, h)
		}
	}
	g.drain = nil

	if g.highWater > lowWaterMark && len(g.byHash) <= lowWaterMark {
		shrunkHash := make(map[uint64]*Record, lowWaterMark)
		shrunkPID := make(map[uint32]*Record, lowWaterMark)
		for h, r := range g.byHash {
			shrunkHash[h] = r
			shrunkPID[r.PID] = r
		}
		g.byHash = shrunkHash
		g.byPID = shrunkPID
		g.highWater = len(g.byHash)
	}
}

// Len reports how many records are currently live, for tests and metrics.
func (g *Graph) Len() int {
	return len(g.byHash)
}

// All calls fn for every live record. Order is unspecified.
func (g *Graph) All(fn func(*Record)) {
	for _, r := range g.byHash {
		fn(r)
	}
}
