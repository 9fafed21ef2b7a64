package configengine

// parentChildIndex holds the in-memory parent/child adjacency lists the
// engine keeps on top of the config collection (spec §4.2: "rebuilt
// lazily on first need and kept in sync with every mutation"). Grounded
// on the teacher's routing.RouteTree index-building and DFS-based
// Validate/detectCycles (internal/business/routing/tree.go), generalized
// from a single-parent tree to a directed forest where a node may have
// several parent_ids.
type parentChildIndex struct {
	parents  map[string][]string
	children map[string][]string
}

func newParentChildIndex() *parentChildIndex {
	return &parentChildIndex{
		parents:  make(map[string][]string),
		children: make(map[string][]string),
	}
}

// add records that id has the given parentIDs, patching both directions.
func (idx *parentChildIndex) add(id string, parentIDs []string) {
	idx.parents[id] = append([]string(nil), parentIDs...)
	for _, p := range parentIDs {
		idx.children[p] = appendUnique(idx.children[p], id)
	}
}

// update diffs the old and new parent sets of id and patches both
// indexes (spec §4.2: "on update, diff old/new parent sets and patch
// both indexes").
func (idx *parentChildIndex) update(id string, newParentIDs []string) {
	old := idx.parents[id]
	oldSet := toSet(old)
	newSet := toSet(newParentIDs)

	for p := range oldSet {
		if !newSet[p] {
			idx.children[p] = removeOne(idx.children[p], id)
		}
	}
	for p := range newSet {
		if !oldSet[p] {
			idx.children[p] = appendUnique(idx.children[p], id)
		}
	}
	idx.parents[id] = append([]string(nil), newParentIDs...)
}

// remove splices id out of the graph: each direct child of id gets its
// parent_ids rewritten to replace id with id's own parents, order
// preserving and deduplicated (spec §4.2 "deletion splicing"). It
// returns the ids of children whose parent_ids changed, and what their
// new parent_ids are, so the caller can persist the splice.
func (idx *parentChildIndex) remove(id string) (changedChildren []string, newParentIDsOf map[string][]string) {
	ownParents := idx.parents[id]
	children := append([]string(nil), idx.children[id]...)

	newParentIDsOf = make(map[string][]string, len(children))
	for _, child := range children {
		spliced := spliceParent(idx.parents[child], id, ownParents)
		newParentIDsOf[child] = spliced
		changedChildren = append(changedChildren, child)
	}

	for _, child := range changedChildren {
		idx.update(child, newParentIDsOf[child])
	}

	for _, p := range ownParents {
		idx.children[p] = removeOne(idx.children[p], id)
	}
	delete(idx.parents, id)
	delete(idx.children, id)

	return changedChildren, newParentIDsOf
}

// spliceParent replaces target within parentIDs by replacement, in
// place of target's position, deduplicating the result while preserving
// order.
func spliceParent(parentIDs []string, target string, replacement []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, p := range parentIDs {
		if p == target {
			for _, r := range replacement {
				if !seen[r] {
					out = append(out, r)
					seen[r] = true
				}
			}
			continue
		}
		if !seen[p] {
			out = append(out, p)
			seen[p] = true
		}
	}
	return out
}

// ancestors returns every id reachable by following parent_ids from id,
// via DFS with a visited set, excluding id itself.
func (idx *parentChildIndex) ancestors(id string) []string {
	visited := make(map[string]bool)
	var out []string
	var dfs func(string)
	dfs = func(cur string) {
		for _, p := range idx.parents[cur] {
			if visited[p] {
				continue
			}
			visited[p] = true
			out = append(out, p)
			dfs(p)
		}
	}
	dfs(id)
	return out
}

// descendants returns every id reachable by following children from id,
// via DFS with a visited set, excluding id itself.
func (idx *parentChildIndex) descendants(id string) []string {
	visited := make(map[string]bool)
	var out []string
	var dfs func(string)
	dfs = func(cur string) {
		for _, c := range idx.children[cur] {
			if visited[c] {
				continue
			}
			visited[c] = true
			out = append(out, c)
			dfs(c)
		}
	}
	dfs(id)
	return out
}

// wouldCycle reports whether adding id -> parentIDs would introduce a
// cycle: true if id is reachable from itself by following the proposed
// parent edges, i.e. id appears among the ancestors of any candidate
// parent, or any candidate parent equals id.
func (idx *parentChildIndex) wouldCycle(id string, parentIDs []string) bool {
	for _, p := range parentIDs {
		if p == id {
			return true
		}
		for _, a := range idx.ancestors(p) {
			if a == id {
				return true
			}
		}
	}
	return false
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func appendUnique(list []string, id string) []string {
	for _, e := range list {
		if e == id {
			return list
		}
	}
	return append(list, id)
}

func removeOne(list []string, id string) []string {
	out := list[:0]
	for _, e := range list {
		if e != id {
			out = append(out, e)
		}
	}
	return out
}
