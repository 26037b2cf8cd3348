package agent

import "strings"

// Ref is a parsed agent reference. References take the form "name" or
// "name@version"; the version half is opaque to the engine and forwarded to
// the catalog's version selector.
type Ref struct {
	Name    string
	Version string
}

// ParseRef splits an agent reference into name and version at the last '@'.
// Versions may themselves be tags, semver strings or ranges; selection
// policy belongs to the catalog, not the parser.
func ParseRef(ref string) Ref {
	if i := strings.LastIndex(ref, "@"); i > 0 {
		return Ref{Name: ref[:i], Version: ref[i+1:]}
	}
	return Ref{Name: ref}
}

// String renders the reference back to its textual form.
func (r Ref) String() string {
	if r.Version == "" {
		return r.Name
	}
	return r.Name + "@" + r.Version
}
