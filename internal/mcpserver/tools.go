package mcpserver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Argument readers for post-validation maps. Validation has already pinned
// the types, so these only unwrap.

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

func argBool(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

func argInt(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func (s *MCPServer) toolPing(_ context.Context, args map[string]any, _ progressFunc) (any, error) {
	out := map[string]any{"pong": true}
	if argBool(args, "info", false) {
		out["serverInfo"] = map[string]any{
			"name":    serverName,
			"version": Version,
			"mode":    s.cfg.NormalizedMode(),
			"uptime":  time.Since(s.started).Round(time.Second).String(),
		}
	}
	return out, nil
}

func (s *MCPServer) toolDateTime(_ context.Context, args map[string]any, _ progressFunc) (any, error) {
	now := time.Now().UTC()
	switch argString(args, "format") {
	case "iso":
		return map[string]any{"format": "iso", "value": now.Format(time.RFC3339)}, nil
	case "rfc":
		return map[string]any{"format": "rfc", "value": now.Format(time.RFC1123Z)}, nil
	case "epoch":
		return map[string]any{"format": "epoch", "value": now.Unix()}, nil
	default:
		return nil, fmt.Errorf("unsupported format %q", argString(args, "format"))
	}
}

func (s *MCPServer) toolCalc(_ context.Context, args map[string]any, _ progressFunc) (any, error) {
	expr := argString(args, "expr")
	value, err := evalExpr(expr)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", expr, err)
	}
	return map[string]any{"expr": expr, "result": formatCalcResult(value)}, nil
}

func (s *MCPServer) toolServerStatus(ctx context.Context, _ map[string]any, _ progressFunc) (any, error) {
	status := map[string]any{
		"name":      serverName,
		"version":   Version,
		"mode":      s.cfg.NormalizedMode(),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"storage":   s.store.Mode(),
		"llm":       s.gateway != nil && s.gateway.Configured(),
		"log_level": s.logLevel.Level().String(),
	}

	if counts, err := s.store.CountJobs(ctx); err == nil {
		status["jobs"] = counts
	}
	if stats, err := s.idx.Stats(ctx); err == nil {
		status["index"] = stats
	}
	status["embedder_ready"] = s.idx.EmbedderReady()
	if degraded := s.degradedReasons(); len(degraded) > 0 {
		status["degraded"] = degraded
	}
	return status, nil
}

// degradedReasons reports reduced-capability conditions surfaced on the
// status resource and the status tool.
func (s *MCPServer) degradedReasons() []string {
	var out []string
	if s.gateway == nil || !s.gateway.Configured() {
		out = append(out, "llm_not_configured")
	}
	if !s.idx.EmbedderReady() {
		out = append(out, "embedder_cold")
	}
	if s.store.Mode() == "memory" {
		out = append(out, "storage_memory_fallback")
	}
	return out
}

func (s *MCPServer) toolListTools(_ context.Context, _ map[string]any, _ progressFunc) (any, error) {
	tools := make([]map[string]any, 0, len(s.visible))
	for _, spec := range s.visible {
		tools = append(tools, map[string]any{
			"name":        spec.Name,
			"description": spec.Description,
		})
	}
	sort.Slice(tools, func(i, j int) bool {
		return tools[i]["name"].(string) < tools[j]["name"].(string)
	})
	return map[string]any{"tools": tools, "count": len(tools)}, nil
}

func (s *MCPServer) toolSearchTools(_ context.Context, args map[string]any, _ progressFunc) (any, error) {
	needle := strings.ToLower(argString(args, "query"))
	matches := make([]map[string]any, 0)
	for _, spec := range s.visible {
		if strings.Contains(strings.ToLower(spec.Name), needle) ||
			strings.Contains(strings.ToLower(spec.Description), needle) {
			matches = append(matches, map[string]any{
				"name":        spec.Name,
				"description": spec.Description,
			})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i]["name"].(string) < matches[j]["name"].(string)
	})
	return map[string]any{"tools": matches, "count": len(matches)}, nil
}

func (s *MCPServer) toolListModels(ctx context.Context, args map[string]any, _ progressFunc) (any, error) {
	if s.gateway == nil || !s.gateway.Configured() {
		return nil, fmt.Errorf("llm gateway not configured")
	}
	models, err := s.gateway.ListModels(ctx, argBool(args, "refresh", false))
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	return map[string]any{"models": models, "count": len(models)}, nil
}
