package crm

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/jaakkos/leadline/internal/app"
)

// registerListCallers registers the list_callers tool.
func registerListCallers(s *server.MCPServer, svc *app.CRMService, logger *zap.Logger) {
	s.AddTool(
		mcp.NewTool("list_callers",
			mcp.WithDescription("List callers in creation order with today's load and availability (active, busy, offline)."),
			mcp.WithString("search", mcp.Description("Case-insensitive text matched against name, role and states")),
			mcp.WithReadOnlyHintAnnotation(true),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			callers, err := svc.ListCallers(ctx, req.GetString("search", ""))
			if err != nil {
				return toolError(err)
			}
			if len(callers) == 0 {
				return mcp.NewToolResultText("No callers found"), nil
			}
			var b strings.Builder
			for _, c := range callers {
				states := "all states"
				if len(c.AssignedStates) > 0 {
					states = strings.Join(c.AssignedStates, ", ")
				}
				fmt.Fprintf(&b, "Caller %s [%s] %s (%s) %d/%d today, %s\n",
					c.ID, c.Status, c.Name, c.Role, c.TodayLeadCount, c.DailyLeadLimit, states)
			}
			return mcp.NewToolResultText(b.String()), nil
		},
	)
}

// registerLeadStats registers the lead_stats tool.
func registerLeadStats(s *server.MCPServer, svc *app.CRMService, logger *zap.Logger) {
	s.AddTool(
		mcp.NewTool("lead_stats",
			mcp.WithDescription("Dashboard summary: lead counts by status, closed revenue and caller availability."),
			mcp.WithReadOnlyHintAnnotation(true),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			st, err := svc.Stats(ctx)
			if err != nil {
				return toolError(err)
			}
			return mcp.NewToolResultJSON(st)
		},
	)
}
