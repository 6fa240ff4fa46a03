package catalog

import (
	"fmt"
	"log/slog"
	"strings"
)

// UnknownToolError reports a name that survived every repair step without
// matching the catalog. Valid carries the complete tool list so the failure
// can be folded back to the model verbatim.
type UnknownToolError struct {
	Attempted string
	Valid     []string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q; valid tools: %s", e.Attempted, strings.Join(e.Valid, ", "))
}

// bareAliases maps tool names produced without the server prefix to their
// canonical suffix. Collected from observed model output; never extended at
// runtime.
var bareAliases = map[string]string{
	"get_sessions":      "live_sessions",
	"live_sessions":     "live_sessions",
	"list_sessions":     "live_sessions",
	"session_body":      "session_body",
	"get_body":          "session_body",
	"session_headers":   "session_headers",
	"get_headers":       "session_headers",
	"compare_sessions":  "compare_sessions",
	"sessions_search":   "sessions_search",
	"search_sessions":   "sessions_search",
	"live_stats":        "live_stats",
	"get_stats":         "live_stats",
	"sessions_timeline": "sessions_timeline",
	"sessions_clear":    "sessions_clear",
}

// prefixedAliases maps hallucinated suffixes of correctly prefixed names to
// the canonical suffix.
var prefixedAliases = map[string]string{
	"session_details":  "session_body",
	"sessions_details": "session_body",
	"get_session":      "session_body",
	"get_body":         "session_body",
	"body":             "session_body",
	"list_sessions":    "live_sessions",
	"sessions_list":    "live_sessions",
	"get_sessions":     "live_sessions",
	"sessions":         "live_sessions",
	"get_headers":      "session_headers",
	"headers":          "session_headers",
	"stats":            "live_stats",
	"get_stats":        "live_stats",
	"search":           "sessions_search",
	"search_sessions":  "sessions_search",
	"compare":          "compare_sessions",
	"clear":            "sessions_clear",
	"timeline":         "sessions_timeline",
}

// Resolver repairs model-produced tool names against a catalog. Repairs are
// deterministic table lookups; there is no fuzzy matching, and a name that
// no rule fixes fails with the full valid list.
type Resolver struct {
	namespace string
	catalog   *Catalog
	logger    *slog.Logger
}

// NewResolver builds a resolver for tools under the given namespace prefix
// (for example "proxy" when tools are named proxy__live_sessions).
func NewResolver(namespace string, c *Catalog, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{namespace: namespace, catalog: c, logger: logger}
}

// Resolve maps a raw tool name to a catalog name. Repair order: dotted
// notation, bare-name aliases, prefixed-name aliases, then validation
// against the catalog. Every rewrite is logged.
func (r *Resolver) Resolve(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	prefix := r.namespace + "__"

	if _, ok := r.catalog.Lookup(name); ok {
		return name, nil
	}

	// namespace.tool -> namespace__tool
	if strings.Contains(name, ".") && !strings.HasPrefix(name, prefix) {
		parts := strings.Split(name, ".")
		if len(parts) == 2 {
			fixed := prefix + parts[1]
			r.logger.Warn("repaired dotted tool name", "from", name, "to", fixed)
			name = fixed
		}
	}

	if suffix, ok := bareAliases[name]; ok {
		fixed := prefix + suffix
		if fixed != name {
			r.logger.Warn("repaired bare tool name", "from", name, "to", fixed)
		}
		name = fixed
	}

	if strings.HasPrefix(name, prefix) {
		if suffix, ok := prefixedAliases[strings.TrimPrefix(name, prefix)]; ok {
			fixed := prefix + suffix
			r.logger.Warn("repaired hallucinated tool name", "from", name, "to", fixed)
			name = fixed
		}
	}

	if _, ok := r.catalog.Lookup(name); !ok {
		r.logger.Warn("unresolvable tool name", "attempted", raw)
		return "", &UnknownToolError{Attempted: raw, Valid: r.catalog.Names()}
	}
	return name, nil
}
