package crm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/jaakkos/leadline/internal/app"
)

const assignmentGuide = `# Lead assignment

- New leads are offered to active callers below their daily limit.
- Callers listing the lead's state are preferred. When none of them can take
  it, callers without assigned states are used.
- Strategy %q picks among the candidates.
- Daily counts reset at midnight in %s.
- Leads no caller can take stay in status "new" and are retried by the
  backlog (assign_backlog or the periodic watchdog).
- Manual assignment above the daily limit needs force=true.
`

func registerResources(s *server.MCPServer, svc *app.CRMService, logger *zap.Logger) {
	s.AddResource(
		mcp.NewResource(
			"leadline://guide/assignment",
			"Lead assignment rules",
			mcp.WithResourceDescription("How leads are matched to callers. Read before assigning leads by hand."),
			mcp.WithMIMEType("text/markdown"),
		),
		func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			p := svc.Policy()
			return []mcp.ResourceContents{
				mcp.TextResourceContents{
					URI:      req.Params.URI,
					MIMEType: "text/markdown",
					Text:     fmt.Sprintf(assignmentGuide, p.AssignmentStrategy(), p.Location()),
				},
			}, nil
		},
	)

	s.AddResource(
		mcp.NewResource(
			"leadline://stats",
			"Lead statistics",
			mcp.WithResourceDescription("Current lead and caller counts as JSON."),
			mcp.WithMIMEType("application/json"),
		),
		func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			st, err := svc.Stats(ctx)
			if err != nil {
				logger.Warn("stats resource failed", zap.Error(err))
				return nil, err
			}
			data, err := json.Marshal(st)
			if err != nil {
				return nil, err
			}
			return []mcp.ResourceContents{
				mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "application/json", Text: string(data)},
			}, nil
		},
	)
}
