// Package depgraph holds the pure graph logic behind task dependencies:
// cycle detection over a "blocked by" adjacency view and blocked-status
// summaries. It has no storage dependency.
package depgraph

// Edge means TaskID is blocked by BlockedBy.
type Edge struct {
	TaskID    int64 `db:"task_id"`
	BlockedBy int64 `db:"blocked_by"`
}

// Adjacency maps a task id to the ids of the tasks blocking it.
type Adjacency map[int64][]int64

// FromEdges builds an adjacency view of edges.
func FromEdges(edges []Edge) Adjacency {
	adj := make(Adjacency, len(edges))
	for _, e := range edges {
		adj[e.TaskID] = append(adj[e.TaskID], e.BlockedBy)
	}
	return adj
}

// WouldCycle reports whether adding "task is blocked by blocker" would close
// a loop, i.e. whether task is reachable from blocker along existing
// blocked-by edges. A self-loop counts as a cycle.
func WouldCycle(adj Adjacency, task, blocker int64) bool {
	return CyclePath(adj, task, blocker) != nil
}

// CyclePath returns the chain blocker -> ... -> task that the new edge would
// close, or nil when the edge is safe. The search is breadth-first with a
// visited set, so it terminates on any graph, cyclic or not.
func CyclePath(adj Adjacency, task, blocker int64) []int64 {
	if task == blocker {
		return []int64{blocker}
	}
	parent := map[int64]int64{blocker: blocker}
	queue := []int64{blocker}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if _, seen := parent[next]; seen {
				continue
			}
			parent[next] = cur
			if next == task {
				return unwind(parent, blocker, task)
			}
			queue = append(queue, next)
		}
	}
	return nil
}

func unwind(parent map[int64]int64, from, to int64) []int64 {
	var path []int64
	for n := to; ; n = parent[n] {
		path = append(path, n)
		if n == from {
			break
		}
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// Summary is the derived blocked state of a task.
type Summary struct {
	IsBlocked              bool `json:"is_blocked"`
	UnresolvedBlockerCount int  `json:"unresolved_blocker_count"`
}

// Summarize counts blockers whose status is not the terminal status.
func Summarize(blockerStatuses []string, terminal string) Summary {
	var n int
	for _, s := range blockerStatuses {
		if s != terminal {
			n++
		}
	}
	return Summary{IsBlocked: n > 0, UnresolvedBlockerCount: n}
}
