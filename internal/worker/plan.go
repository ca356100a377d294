package worker

import (
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zulandar/sprintyard/internal/errs"
)

// Plan maps each worker role to the files it owns. Entries ending in "/"
// own everything beneath that directory.
type Plan map[string][]string

// Roles returns the plan's roles sorted by name.
func (p Plan) Roles() []string {
	roles := make([]string, 0, len(p))
	for r := range p {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}

// Files returns every owned entry across roles, sorted.
func (p Plan) Files() []string {
	var files []string
	for _, owned := range p {
		files = append(files, owned...)
	}
	sort.Strings(files)
	return files
}

// Normalize cleans every path in the plan. Directory entries keep their
// trailing slash.
func (p Plan) Normalize() Plan {
	out := make(Plan, len(p))
	for role, owned := range p {
		files := make([]string, 0, len(owned))
		for _, f := range owned {
			files = append(files, normalizePath(f))
		}
		out[strings.TrimSpace(role)] = files
	}
	return out
}

// ValidatePlan rejects empty plans and roles, and returns a ConflictError
// naming every entry claimed by more than one role.
func ValidatePlan(itemID uint, plan Plan) error {
	var problems []string
	if len(plan) == 0 {
		problems = append(problems, "ownership plan has no roles")
	}
	for _, role := range plan.Roles() {
		if role == "" {
			problems = append(problems, "ownership plan has an unnamed role")
		}
		if len(plan[role]) == 0 {
			problems = append(problems, fmt.Sprintf("role %q owns no files", role))
		}
	}
	if len(problems) > 0 {
		return &errs.ValidationError{ItemID: itemID, Unmet: problems}
	}

	type claim struct {
		role, entry string
	}
	var claims []claim
	for _, role := range plan.Roles() {
		for _, f := range plan[role] {
			claims = append(claims, claim{role: role, entry: normalizePath(f)})
		}
	}

	byFile := make(map[string]map[string]bool)
	for i := range claims {
		for j := i + 1; j < len(claims); j++ {
			a, b := claims[i], claims[j]
			if a.role == b.role {
				continue
			}
			var file string
			switch {
			case covers(a.entry, b.entry):
				file = b.entry
			case covers(b.entry, a.entry):
				file = a.entry
			default:
				continue
			}
			if byFile[file] == nil {
				byFile[file] = make(map[string]bool)
			}
			byFile[file][a.role] = true
			byFile[file][b.role] = true
		}
	}
	if len(byFile) == 0 {
		return nil
	}

	files := make([]string, 0, len(byFile))
	for f := range byFile {
		files = append(files, f)
	}
	sort.Strings(files)
	overlaps := make([]errs.Overlap, 0, len(files))
	for _, f := range files {
		var roles []string
		for r := range byFile[f] {
			roles = append(roles, r)
		}
		sort.Strings(roles)
		overlaps = append(overlaps, errs.Overlap{File: f, Roles: roles})
	}
	return &errs.ConflictError{Kind: "item", ID: itemID, Overlaps: overlaps}
}

// MergeOrder sorts roles by their rank in order. Roles not listed follow,
// alphabetically.
func MergeOrder(roles []string, order []string) []string {
	rank := make(map[string]int, len(order))
	for i, r := range order {
		rank[r] = i
	}
	out := append([]string(nil), roles...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, iok := rank[out[i]]
		rj, jok := rank[out[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return out[i] < out[j]
		}
	})
	return out
}

func normalizePath(p string) string {
	p = filepath.ToSlash(strings.TrimSpace(p))
	dir := strings.HasSuffix(p, "/")
	p = strings.TrimPrefix(path.Clean(p), "./")
	if dir && p != "/" {
		p += "/"
	}
	return p
}

// covers reports whether ownership entry owner includes target.
func covers(owner, target string) bool {
	if owner == target {
		return true
	}
	if strings.HasSuffix(owner, "/") {
		return strings.HasPrefix(target, owner) || target+"/" == owner
	}
	return false
}
