package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/marcus-qen/quaesitor/internal/index"
)

const defaultSearchK = 8

func (s *MCPServer) toolRetrieve(ctx context.Context, args map[string]any, emit progressFunc) (any, error) {
	mode := argString(args, "mode")
	if mode == "" {
		if argString(args, "sql") != "" {
			mode = "sql"
		} else {
			mode = "index"
		}
	}

	switch mode {
	case "sql":
		return s.toolExecuteSQL(ctx, map[string]any{
			"sql":    args["sql"],
			"params": args["params"],
		}, emit)
	case "index":
		query := argString(args, "query")
		if query == "" {
			return nil, fmt.Errorf("query is required in index mode")
		}
		forwarded := map[string]any{"query": query}
		if k := argInt(args, "k", 0); k > 0 {
			forwarded["k"] = k
		}
		if scope := argString(args, "scope"); scope != "" {
			forwarded["scope"] = scope
		}
		return s.toolSearchIndex(ctx, forwarded, emit)
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
}

func (s *MCPServer) toolSearchIndex(ctx context.Context, args map[string]any, _ progressFunc) (any, error) {
	query := argString(args, "query")
	k := argInt(args, "k", defaultSearchK)
	scope := argString(args, "scope")
	if scope == "" {
		scope = index.ScopeBoth
	}

	result, err := s.idx.Search(ctx, query, k, scope)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	out := map[string]any{
		"hits":  result.Hits,
		"count": len(result.Hits),
		"mode":  result.Mode,
	}
	if len(result.Degraded) > 0 {
		out["degraded"] = result.Degraded
	}
	return out, nil
}

func (s *MCPServer) toolExecuteSQL(ctx context.Context, args map[string]any, _ progressFunc) (any, error) {
	sqlText := argString(args, "sql")
	if sqlText == "" {
		return nil, fmt.Errorf("sql is required")
	}

	var params []any
	if raw, ok := args["params"].([]any); ok {
		params = raw
	}

	result, err := s.store.ExecuteReadOnlySQL(ctx, sqlText, params)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *MCPServer) toolIndexTexts(ctx context.Context, args map[string]any, emit progressFunc) (any, error) {
	rawDocs, ok := args["documents"].([]any)
	if !ok || len(rawDocs) == 0 {
		return nil, fmt.Errorf("documents is required")
	}

	origin := argString(args, "origin")
	if origin == "" {
		origin = "mcp"
	}

	items := make([]index.Item, 0, len(rawDocs))
	for i, raw := range rawDocs {
		doc, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("documents[%d] must be an object", i)
		}
		body, _ := doc["body"].(string)
		if strings.TrimSpace(body) == "" {
			return nil, fmt.Errorf("documents[%d].body is required", i)
		}
		title, _ := doc["title"].(string)
		items = append(items, index.Item{Title: title, Body: body})
	}

	ids, err := s.idx.IndexTexts(ctx, origin, items)
	if err != nil {
		return nil, fmt.Errorf("index documents: %w", err)
	}
	emit(1, fmt.Sprintf("indexed %d documents", len(ids)))
	return map[string]any{"ids": ids, "indexed": len(ids)}, nil
}

func (s *MCPServer) toolIndexURL(ctx context.Context, args map[string]any, _ progressFunc) (any, error) {
	rawURL := argString(args, "url")
	id, err := s.idx.IndexURL(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("index %s: %w", rawURL, err)
	}
	return map[string]any{"id": id, "url": rawURL}, nil
}

func (s *MCPServer) toolIndexStatus(ctx context.Context, _ map[string]any, _ progressFunc) (any, error) {
	stats, err := s.idx.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"stats":          stats,
		"embedder_ready": s.idx.EmbedderReady(),
	}, nil
}
