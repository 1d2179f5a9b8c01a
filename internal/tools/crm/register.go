// Package crm exposes the lead-assignment engine as MCP tools so agents and
// operators can inspect and steer it.
package crm

import (
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/jaakkos/leadline/internal/app"
)

// ActorMCP is the actor recorded for changes made through MCP tools
// that do not name one.
const ActorMCP = "mcp"

// Register registers the CRM tools and resources with the mcp-go server.
func Register(s *server.MCPServer, svc *app.CRMService, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("mcp")

	// Lead tools (5)
	registerListLeads(s, svc, logger)
	registerGetLead(s, svc, logger)
	registerAssignLead(s, svc, logger)
	registerUpdateLeadStatus(s, svc, logger)
	registerAssignBacklog(s, svc, logger)

	// Caller and reporting tools (2)
	registerListCallers(s, svc, logger)
	registerLeadStats(s, svc, logger)

	registerResources(s, svc, logger)
}

// toolError turns service errors the caller can act on into a tool error
// result. Anything else is returned as a protocol error.
func toolError(err error) (*mcp.CallToolResult, error) {
	switch {
	case errors.Is(err, app.ErrNotFound),
		errors.Is(err, app.ErrValidation),
		errors.Is(err, app.ErrConflict),
		errors.Is(err, app.ErrCapacity),
		errors.Is(err, app.ErrInactiveCaller):
		return mcp.NewToolResultError(err.Error()), nil
	}
	return nil, err
}

// actorArg returns the "actor" argument or ActorMCP.
func actorArg(req mcp.CallToolRequest) string {
	if a := req.GetString("actor", ""); a != "" {
		return a
	}
	return ActorMCP
}
