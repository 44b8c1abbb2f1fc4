package proxy

import (
	"strings"

	"trustedge/internal/platform/config"
)

// Route maps a path prefix onto a named backend, with an optional prefix
// strip applied before forwarding.
type Route struct {
	Prefix  string
	Backend string
	Strip   string
	CORS    bool
}

// Table resolves request paths to routes by longest matching prefix.
// Declaration order breaks ties, so overlapping prefixes behave predictably.
type Table struct {
	routes []Route
}

// NewTable builds a route table from configuration, preserving declaration
// order.
func NewTable(cfg []config.Route) *Table {
	t := &Table{routes: make([]Route, 0, len(cfg))}
	for _, r := range cfg {
		t.routes = append(t.routes, Route{
			Prefix:  r.Prefix,
			Backend: r.Backend,
			Strip:   r.Strip,
			CORS:    r.CORS,
		})
	}
	return t
}

// Routes returns the table's routes in declaration order.
func (t *Table) Routes() []Route { return t.routes }

// Match returns the route with the longest prefix matching path. The first
// declared route wins among equal-length prefixes.
func (t *Table) Match(path string) (Route, bool) {
	var (
		best    Route
		bestLen = -1
	)
	for _, r := range t.routes {
		if strings.HasPrefix(path, r.Prefix) && len(r.Prefix) > bestLen {
			best = r
			bestLen = len(r.Prefix)
		}
	}
	return best, bestLen >= 0
}

// Rewrite strips the route's configured prefix from path. The result always
// keeps a leading slash so it resolves cleanly against the backend origin.
func (r Route) Rewrite(path string) string {
	if r.Strip == "" {
		return path
	}
	rewritten := strings.TrimPrefix(path, r.Strip)
	if !strings.HasPrefix(rewritten, "/") {
		rewritten = "/" + rewritten
	}
	return rewritten
}
