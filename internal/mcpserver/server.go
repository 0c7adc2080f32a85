// Package mcpserver exposes the research broker as an MCP server: the tool
// catalog with loose-argument normalization and strict schema validation,
// prompts, subscribable resources, and argument completion.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/marcus-qen/quaesitor/internal/config"
	"github.com/marcus-qen/quaesitor/internal/embed"
	"github.com/marcus-qen/quaesitor/internal/index"
	"github.com/marcus-qen/quaesitor/internal/jobs"
	"github.com/marcus-qen/quaesitor/internal/llm"
	"github.com/marcus-qen/quaesitor/internal/research"
	"github.com/marcus-qen/quaesitor/internal/storage"
)

// Version is injected from build metadata.
var Version = "dev"

const serverName = "quaesitor"

// MCPServer wires the job engine, orchestrator, index, and storage into the
// MCP protocol surface.
type MCPServer struct {
	server   *mcp.Server
	store    storage.Store
	engine   *jobs.Engine
	orch     *research.Orchestrator
	idx      *index.Index
	gateway  *llm.Client
	embedder embed.Provider
	cfg      config.Config
	logger   *zap.Logger
	logLevel zap.AtomicLevel
	started  time.Time

	// visible is the mode-filtered tool registry; validators hold the
	// compiled canonical schemas keyed by tool name.
	visible    map[string]*toolSpec
	validators map[string]*jsonschema.Schema

	// degraded caches the last published degradation set so status
	// subscribers are only notified on change.
	mu       sync.Mutex
	degraded []string
}

// New assembles the MCP surface. Tools outside the configured mode are not
// registered at all, so tools/list reflects the gated set and calls to
// hidden tools fail with the tool-not-found error.
func New(
	store storage.Store,
	engine *jobs.Engine,
	orch *research.Orchestrator,
	idx *index.Index,
	gateway *llm.Client,
	embedder embed.Provider,
	cfg config.Config,
	logLevel zap.AtomicLevel,
	logger *zap.Logger,
) (*MCPServer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	implVersion := Version
	if implVersion == "" {
		implVersion = "dev"
	}

	m := &MCPServer{
		store:      store,
		engine:     engine,
		orch:       orch,
		idx:        idx,
		gateway:    gateway,
		embedder:   embedder,
		cfg:        cfg,
		logger:     logger.Named("mcp"),
		logLevel:   logLevel,
		started:    time.Now(),
		visible:    make(map[string]*toolSpec),
		validators: make(map[string]*jsonschema.Schema),
	}

	m.server = mcp.NewServer(&mcp.Implementation{
		Name:    serverName,
		Version: implVersion,
	}, &mcp.ServerOptions{
		Instructions:       serverInstructions,
		SubscribeHandler:   m.handleSubscribe,
		UnsubscribeHandler: m.handleUnsubscribe,
		CompletionHandler:  m.handleComplete,
	})

	if err := m.registerTools(); err != nil {
		return nil, err
	}
	m.registerPrompts()
	m.registerResources()

	return m, nil
}

const serverInstructions = "Quaesitor brokers multi-agent deep research. " +
	"Long-running work goes through async jobs: submit with the research tool, " +
	"follow progress via job_status or the job event stream, and fetch the " +
	"finished report with get_job_result. The retrieve tool searches the " +
	"hybrid index or runs guarded read-only SQL over past reports."

// Server exposes the underlying SDK server for transports.
func (s *MCPServer) Server() *mcp.Server {
	return s.server
}

// Degraded lists the active degradation reasons for the health surface.
func (s *MCPServer) Degraded() []string {
	return s.degradedReasons()
}

// registerTools compiles each visible tool's canonical schema and registers
// it with a published schema loose enough to let carrier arguments through;
// the strict variant is enforced after normalization.
func (s *MCPServer) registerTools() error {
	mode := s.cfg.NormalizedMode()
	for _, spec := range catalog() {
		if !spec.visibleIn(mode) {
			continue
		}
		compiled, err := compileSchema(spec.Name, spec.Schema)
		if err != nil {
			return fmt.Errorf("tool %s: %w", spec.Name, err)
		}
		s.validators[spec.Name] = compiled
		s.visible[spec.Name] = spec

		s.server.AddTool(&mcp.Tool{
			Name:        spec.Name,
			Description: spec.Description,
			InputSchema: json.RawMessage(loosenSchema(spec.Schema)),
		}, s.invoke(spec))
	}
	return nil
}

// compileSchema builds the validator for one canonical schema document.
func compileSchema(name string, doc string) (*jsonschema.Schema, error) {
	var parsed any
	if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := c.AddResource(resource, parsed); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// loosenSchema drops required and additionalProperties from the canonical
// document. The published schema documents the shape for clients while the
// loose carrier fields still reach the normalizer.
func loosenSchema(doc string) []byte {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
		return []byte(`{"type":"object"}`)
	}
	delete(parsed, "required")
	delete(parsed, "additionalProperties")
	out, err := json.Marshal(parsed)
	if err != nil {
		return []byte(`{"type":"object"}`)
	}
	return out
}

// invoke is the shared tools/call pipeline: decode, normalize, validate
// against the canonical schema, then dispatch with a progress emitter.
func (s *MCPServer) invoke(spec *toolSpec) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := decodeArgs(req.Params.Arguments)
		if err != nil {
			return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
		}

		args = Normalize(spec.Name, args)

		if err := s.validateArgs(spec.Name, args); err != nil {
			return errorResult(fmt.Sprintf("invalid arguments for %s: %v", spec.Name, err)), nil
		}

		out, err := spec.Handler(s, ctx, args, progressEmitter(ctx, req))
		if err != nil {
			s.logger.Debug("tool call failed",
				zap.String("tool", spec.Name),
				zap.Error(err),
			)
			return errorResult(err.Error()), nil
		}
		return toolResult(out)
	}
}

// decodeArgs accepts the argument encodings the SDK may hand us and
// produces a plain map for normalization.
func decodeArgs(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	case json.RawMessage:
		return unmarshalArgs([]byte(v))
	case []byte:
		return unmarshalArgs(v)
	case string:
		if v == "" {
			return map[string]any{}, nil
		}
		return unmarshalArgs([]byte(v))
	default:
		// Fall back through JSON for struct-typed arguments.
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("unsupported argument type %T", raw)
		}
		return unmarshalArgs(data)
	}
}

func unmarshalArgs(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// validateArgs enforces the canonical schema against normalized arguments.
func (s *MCPServer) validateArgs(tool string, args map[string]any) error {
	validator, ok := s.validators[tool]
	if !ok {
		return nil
	}
	// Round-trip through JSON so nested values carry the types the
	// validator expects.
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return err
	}
	return validator.Validate(instance)
}

// toolResult renders a handler value: strings become a text block, other
// values a pretty-printed JSON text block plus structured content.
func toolResult(v any) (*mcp.CallToolResult, error) {
	switch typed := v.(type) {
	case nil:
		return textResult("ok"), nil
	case string:
		return textResult(typed), nil
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, err
		}
		res := textResult(string(data))
		res.StructuredContent = v
		return res, nil
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func errorResult(text string) *mcp.CallToolResult {
	res := textResult(text)
	res.IsError = true
	return res
}

// progressFunc delivers a progress value and optional message to the
// caller. Emits are dropped when the request carries no progress token.
type progressFunc func(progress float64, message string)

// progressEmitter derives the emit function from _meta.progressToken.
func progressEmitter(ctx context.Context, req *mcp.CallToolRequest) progressFunc {
	token := req.Params.GetProgressToken()
	if token == nil || req.Session == nil {
		return func(float64, string) {}
	}
	session := req.Session
	return func(progress float64, message string) {
		_ = session.NotifyProgress(ctx, &mcp.ProgressNotificationParams{
			ProgressToken: token,
			Progress:      progress,
			Message:       message,
		})
	}
}

// StreamableHandler mounts the streamable HTTP transport. Session ids are
// minted by the SDK; the event store gives reconnecting clients bounded
// replay.
func (s *MCPServer) StreamableHandler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return mcp.NewStreamableHTTPHandler(func(_ *http.Request) *mcp.Server {
		return s.server
	}, &mcp.StreamableHTTPOptions{
		EventStore: mcp.NewMemoryEventStore(nil),
	})
}

// LegacySSEHandler mounts the older split SSE + POST transport.
func (s *MCPServer) LegacySSEHandler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return mcp.NewSSEHandler(func(_ *http.Request) *mcp.Server {
		return s.server
	}, nil)
}
