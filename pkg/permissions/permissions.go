// Package permissions implements the dotted-path, wildcard-aware permission
// tree described (but left unbuilt) in the distilled spec's handler policy
// section. It is ported from the original craftengine permissions.py's
// perms_merger/has_permission, one of SPEC_FULL.md's supplemented features:
// a service's presented permission list is merged into a tree once, and a
// target method's required permissions are checked against it.
package permissions

import (
	"fmt"
	"strings"
)

// Tree is a merged permission set: each key is a path segment, mapping to
// either a nested Tree or the bool true, meaning "everything under here is
// granted" (a merged "*" entry).
type Tree map[string]any

// Merge builds a Tree from a service's dotted permission strings (e.g.
// "registry.*", "admin.scale"). An empty string grants everything.
func Merge(perms []string) Tree {
	return mergeSegments(splitAll(perms))
}

func splitAll(perms []string) [][]string {
	out := make([][]string, len(perms))
	for i, p := range perms {
		if p == "" {
			out[i] = []string{}
		} else {
			out[i] = strings.Split(p, ".")
		}
	}
	return out
}

func mergeSegments(perms [][]string) Tree {
	groups := map[string][][]string{}
	var order []string
	star := false

	for _, p := range perms {
		if len(p) == 0 {
			star = true
			continue
		}
		head := p[0]
		if _, seen := groups[head]; !seen {
			groups[head] = nil
			order = append(order, head)
		}
		if head == "*" {
			star = true
		} else {
			groups[head] = append(groups[head], p[1:])
		}
	}

	tree := make(Tree, len(order)+1)
	if star {
		tree["*"] = true
	}
	for _, head := range order {
		if head == "*" {
			continue
		}
		tree[head] = mergeSegments(groups[head])
	}
	return tree
}

// Check walks each dotted path in reqs, in order, against the merged perms
// tree, returning an error naming the first uncovered path it reaches. A "*"
// at any level of the tree grants everything beneath it, including paths
// longer than what was actually declared, and reaching such a "*" grant
// returns nil for the whole call at once: the remaining paths in reqs are
// not checked.
func Check(perms []string, reqs []string) error {
	tree := Merge(perms)
	for _, req := range splitAll(reqs) {
		node := tree
		for _, seg := range req {
			v, ok := node["*"]
			if !ok {
				v, ok = node[seg]
			}
			if !ok {
				return fmt.Errorf("permission denied: %s", strings.Join(req, "."))
			}
			if sub, isTree := v.(Tree); isTree {
				node = sub
				continue
			}
			if granted, _ := v.(bool); granted {
				return nil
			}
			return fmt.Errorf("permission denied: %s", strings.Join(req, "."))
		}
	}
	return nil
}
