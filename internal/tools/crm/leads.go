package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/jaakkos/leadline/internal/app"
	"github.com/jaakkos/leadline/internal/domain"
)

var statusEnum = []string{"all", "new", "assigned", "contacted", "qualified", "closed", "lost"}

func formatLead(l app.LeadView) string {
	caller := "unassigned"
	if l.AssignedCaller != nil {
		caller = l.AssignedCaller.Name
	}
	state := l.StateName()
	if state == "" {
		state = "-"
	}
	return fmt.Sprintf("Lead %s [%s] %s (%s) state: %s, caller: %s", l.ID, l.Status, l.Name, l.Phone, state, caller)
}

// registerListLeads registers the list_leads tool.
func registerListLeads(s *server.MCPServer, svc *app.CRMService, logger *zap.Logger) {
	s.AddTool(
		mcp.NewTool("list_leads",
			mcp.WithDescription("List leads, newest first. Filter by free-text search (name, phone, status) and status."),
			mcp.WithString("search", mcp.Description("Case-insensitive text to match")),
			mcp.WithString("status", mcp.Description("Filter by status (default: 'all')"), mcp.Enum(statusEnum...)),
			mcp.WithNumber("limit", mcp.Description("Maximum number of leads to return (default 50)")),
			mcp.WithReadOnlyHintAnnotation(true),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			limit := int(req.GetFloat("limit", 50))
			if limit <= 0 {
				limit = 50
			}
			leads, err := svc.ListLeads(ctx, req.GetString("search", ""), req.GetString("status", "all"))
			if err != nil {
				return toolError(err)
			}
			if len(leads) == 0 {
				return mcp.NewToolResultText("No leads found"), nil
			}

			var b strings.Builder
			for i, l := range leads {
				if i == limit {
					fmt.Fprintf(&b, "... %d more\n", len(leads)-limit)
					break
				}
				b.WriteString(formatLead(l))
				b.WriteByte('\n')
			}
			return mcp.NewToolResultText(b.String()), nil
		},
	)
}

// registerGetLead registers the get_lead tool.
func registerGetLead(s *server.MCPServer, svc *app.CRMService, logger *zap.Logger) {
	s.AddTool(
		mcp.NewTool("get_lead",
			mcp.WithDescription("Get one lead with its assigned caller and full assignment history as JSON."),
			mcp.WithString("lead_id", mcp.Required(), mcp.Description("Lead ID")),
			mcp.WithReadOnlyHintAnnotation(true),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := req.RequireString("lead_id")
			if err != nil {
				return nil, err
			}
			lead, err := svc.GetLead(ctx, id)
			if err != nil {
				return toolError(err)
			}
			data, err := json.MarshalIndent(lead, "", "  ")
			if err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(string(data)), nil
		},
	)
}

// registerAssignLead registers the assign_lead tool.
func registerAssignLead(s *server.MCPServer, svc *app.CRMService, logger *zap.Logger) {
	s.AddTool(
		mcp.NewTool("assign_lead",
			mcp.WithDescription("Assign a lead to a caller, or unassign it when caller_id is empty. The caller must be active and below its daily limit unless force is set."),
			mcp.WithString("lead_id", mcp.Required(), mcp.Description("Lead ID")),
			mcp.WithString("caller_id", mcp.Description("Caller ID; empty unassigns the lead")),
			mcp.WithBoolean("force", mcp.Description("Override the caller's daily limit"), mcp.DefaultBool(false)),
			mcp.WithString("actor", mcp.Description("Who is making the change (default 'mcp')")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := req.RequireString("lead_id")
			if err != nil {
				return nil, err
			}
			actor := actorArg(req)
			lead, err := svc.AssignLead(ctx, id, req.GetString("caller_id", ""), actor, req.GetBool("force", false))
			if err != nil {
				return toolError(err)
			}
			logger.Debug("assign_lead", zap.String("lead", id), zap.String("caller", lead.CallerID()), zap.String("actor", actor))
			if lead.AssignedCaller == nil {
				return mcp.NewToolResultText(fmt.Sprintf("Lead %s (%s) is unassigned", lead.ID, lead.Name)), nil
			}
			return mcp.NewToolResultText(fmt.Sprintf("Lead %s (%s) assigned to %s", lead.ID, lead.Name, lead.AssignedCaller.Name)), nil
		},
	)
}

// registerUpdateLeadStatus registers the update_lead_status tool.
func registerUpdateLeadStatus(s *server.MCPServer, svc *app.CRMService, logger *zap.Logger) {
	statuses := make([]string, 0, len(domain.LeadStatuses))
	for _, st := range domain.LeadStatuses {
		statuses = append(statuses, string(st))
	}
	s.AddTool(
		mcp.NewTool("update_lead_status",
			mcp.WithDescription("Move a lead through its lifecycle. Setting 'new' releases the caller; an unassigned lead can only be marked 'lost'."),
			mcp.WithString("lead_id", mcp.Required(), mcp.Description("Lead ID")),
			mcp.WithString("status", mcp.Required(), mcp.Description("New status"), mcp.Enum(statuses...)),
			mcp.WithString("actor", mcp.Description("Who is making the change (default 'mcp')")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := req.RequireString("lead_id")
			if err != nil {
				return nil, err
			}
			status, err := req.RequireString("status")
			if err != nil {
				return nil, err
			}
			lead, err := svc.UpdateLeadStatus(ctx, id, status, actorArg(req))
			if err != nil {
				return toolError(err)
			}
			return mcp.NewToolResultText(fmt.Sprintf("Lead %s (%s) is now %s", lead.ID, lead.Name, lead.Status)), nil
		},
	)
}

// registerAssignBacklog registers the assign_backlog tool.
func registerAssignBacklog(s *server.MCPServer, svc *app.CRMService, logger *zap.Logger) {
	s.AddTool(
		mcp.NewTool("assign_backlog",
			mcp.WithDescription("Retry auto-assignment for every unassigned new lead, oldest first."),
			mcp.WithString("actor", mcp.Description("Who is making the change (default 'mcp')")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			n, err := svc.AssignBacklog(ctx, actorArg(req))
			if err != nil {
				return toolError(err)
			}
			if n > 0 {
				logger.Info("backlog assigned via mcp", zap.Int("assigned", n))
			}
			return mcp.NewToolResultText(fmt.Sprintf("Assigned %d lead(s) from the backlog", n)), nil
		},
	)
}
