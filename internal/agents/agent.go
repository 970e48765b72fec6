package agents

import (
	"context"

	"cartograph/internal/types"
)

// Agent runs one enrichment task. Implementations must be safe for
// concurrent use; the worker fans tasks out across goroutines.
type Agent interface {
	Kind() types.AgentKind
	Run(ctx context.Context, task types.EnrichmentTask) Result
}

// Registry maps agent kinds to their implementations.
type Registry map[types.AgentKind]Agent

// NewRegistry builds a registry from the given agents.
func NewRegistry(list ...Agent) Registry {
	r := make(Registry, len(list))
	for _, a := range list {
		r[a.Kind()] = a
	}
	return r
}

// Evidence decoding helpers. Task evidence round-trips through JSON, so
// numbers arrive as float64 and lists as []any.

func evidenceString(m types.JSONMap, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func evidenceStrings(m types.JSONMap, key string) []string {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func evidenceMap(m types.JSONMap, key string) types.JSONMap {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case types.JSONMap:
		return v
	case map[string]any:
		return types.JSONMap(v)
	}
	return nil
}

func evidenceFloat(m types.JSONMap, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func evidenceInt(m types.JSONMap, key string) (int, bool) {
	f, ok := evidenceFloat(m, key)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func evidenceBool(m types.JSONMap, key string) bool {
	if m == nil {
		return false
	}
	b, _ := m[key].(bool)
	return b
}
