package flow

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ExtSet is a set of short, case-sensitive file-extension tags (e.g.
// "DEN", "WFK", "SCR") naming the output artifacts a Dependency
// requires from its upstream node.
type ExtSet map[string]struct{}

// NewExtSet builds an ExtSet from a list of tags.
func NewExtSet(tags ...string) ExtSet {
	s := make(ExtSet, len(tags))
	for _, t := range tags {
		s[t] = struct{}{}
	}
	return s
}

// Tags returns the set's members in sorted order, for deterministic
// iteration and stable snapshot encoding.
func (s ExtSet) Tags() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Dependency is a directed edge from a consumer node to an upstream
// producer node, carrying the set of file-extension tags the consumer
// requires the producer to have written into its output directory by
// the time it reaches S_OK.
//
// The edge is a logical back-reference: the upstream node does not know
// its downstream consumers except through the signal bus (see Bus).
// Per design note §9, the live pointer is kept for in-process graph
// walks, but UpstreamID is what actually gets persisted — the snapshot
// re-resolves it through the Flow's node registry on load, which is
// what breaks the reference cycle that would otherwise appear when
// serializing a graph where everyone points at everyone.
type Dependency struct {
	Upstream   Node   `json:"-"`
	UpstreamID int    `json:"upstream_id"`
	Exts       ExtSet `json:"exts"`
}

// NewDependency creates an edge to upstream requiring the given tags.
// upstream must already exist (spec §3 invariant: "a dependency edge's
// upstream_node must already exist at the time of edge creation").
func NewDependency(upstream Node, tags ...string) Dependency {
	return Dependency{Upstream: upstream, UpstreamID: upstream.NodeID(), Exts: NewExtSet(tags...)}
}

// Satisfied reports whether the upstream node has reached S_OK.
func (d Dependency) Satisfied() bool {
	return d.Upstream != nil && d.Upstream.CurrentStatus() == SOk
}

// ResolvePath returns the path to the file in the upstream node's output
// directory whose extension (case-insensitive) matches tag. Lookup
// policy (spec §6): the first file in outdir whose extension equals the
// tag, case-insensitive.
func (d Dependency) ResolvePath(tag string) (string, error) {
	if d.Upstream == nil {
		return "", NewDependencyError(0, tag, "dependency has no resolved upstream node")
	}
	return resolveTagPath(d.Upstream.OutDir(), d.Upstream.NodeID(), tag)
}

func resolveTagPath(outdir string, nodeID int, tag string) (string, error) {
	entries, err := os.ReadDir(outdir)
	if err != nil {
		return "", NewDependencyError(nodeID, tag, "cannot read output directory: "+err.Error())
	}
	want := strings.ToLower(strings.TrimPrefix(tag, "."))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(e.Name()), "."))
		if ext == want {
			return filepath.Join(outdir, e.Name()), nil
		}
	}
	return "", NewDependencyError(nodeID, tag, "no output file with matching extension")
}
