package api

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/procwatch/kit"
)

// RegisterMCP registers the pipeline's operator tools on an MCP server.
func (s *Server) RegisterMCP(srv *mcp.Server) {
	s.registerCheckFingerprintTool(srv)
	s.registerRequeueFetchTool(srv)
	s.registerStatsTool(srv)
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	sch := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sch["required"] = required
	}
	return sch
}

// mcpContext scopes the call context to the tool's tenant.
func mcpContext(tenantID string) func(context.Context) context.Context {
	return func(ctx context.Context) context.Context {
		return kit.WithTransport(kit.WithTenantID(ctx, tenantID), "mcp")
	}
}

// --- check_fingerprint ---

type checkFingerprintRequest struct {
	TenantID    string `json:"tenant_id"`
	Fingerprint string `json:"fingerprint"`
}

func (s *Server) registerCheckFingerprintTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "procwatch_check_fingerprint",
		Description: "Check the dedup ledger for a content fingerprint. Returns whether it was seen and which record holds it.",
		InputSchema: inputSchema(map[string]any{
			"tenant_id":   map[string]any{"type": "string", "description": "Tenant scope"},
			"fingerprint": map[string]any{"type": "string", "description": "SHA-256 hex fingerprint"},
		}, []string{"tenant_id", "fingerprint"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*checkFingerprintRequest)
		check, err := s.ledger.Check(ctx, r.TenantID, r.Fingerprint)
		if err != nil {
			return nil, err
		}
		return checkResponse(check), nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r checkFingerprintRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		if r.TenantID == "" {
			return nil, errors.New("tenant_id is required")
		}
		return &kit.MCPDecodeResult{Request: &r, EnrichCtx: mcpContext(r.TenantID)}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- requeue_fetch ---

type requeueFetchRequest struct {
	TenantID   string `json:"tenant_id"`
	RecordID   string `json:"record_id"`
	TemplateID string `json:"template_id,omitempty"`
}

func (s *Server) registerRequeueFetchTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "procwatch_requeue_fetch",
		Description: "Put a record back on the fetch lane so its source page is scraped again. template_id restores the template's domain policy override.",
		InputSchema: inputSchema(map[string]any{
			"tenant_id":   map[string]any{"type": "string", "description": "Tenant scope"},
			"record_id":   map[string]any{"type": "string", "description": "Record to refetch"},
			"template_id": map[string]any{"type": "string", "description": "Optional template whose policy override applies"},
		}, []string{"tenant_id", "record_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*requeueFetchRequest)
		return s.requeue(ctx, r.TenantID, r.RecordID, r.TemplateID)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r requeueFetchRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		if r.TenantID == "" || r.RecordID == "" {
			return nil, errors.New("tenant_id and record_id are required")
		}
		return &kit.MCPDecodeResult{Request: &r, EnrichCtx: mcpContext(r.TenantID)}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- stats ---

type statsRequest struct {
	TenantID string `json:"tenant_id"`
}

func (s *Server) registerStatsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "procwatch_stats",
		Description: "Per-tenant record counts grouped by scraping status.",
		InputSchema: inputSchema(map[string]any{
			"tenant_id": map[string]any{"type": "string", "description": "Tenant scope"},
		}, []string{"tenant_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*statsRequest)
		stats, err := s.store.Stats(ctx, r.TenantID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"scraping_status": stats}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r statsRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		if r.TenantID == "" {
			return nil, errors.New("tenant_id is required")
		}
		return &kit.MCPDecodeResult{Request: &r, EnrichCtx: mcpContext(r.TenantID)}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
