// Package mcpserver registers MCP tools that expose the tracked resources.
// Live views come from the supervisor; the snapshot cache answers for
// resources that are no longer tracked.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alexjbarnes/livesync/internal/livesync"
	"github.com/alexjbarnes/livesync/internal/monitor"
	"github.com/alexjbarnes/livesync/internal/state"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	defaultHistoryLimit = 10
	maxHistoryLimit     = 50
)

// Tracker is the read side of the supervisor.
type Tracker interface {
	Resources() []monitor.ResourceView
	Resource(id string) (monitor.ResourceView, bool)
}

// Cache is the read side of the snapshot store.
type Cache interface {
	GetSnapshot(resourceID string) (*state.Record, error)
	ListSnapshots() ([]state.Record, error)
	History(resourceID string, limit int) ([]livesync.Snapshot, error)
}

// RegisterTools adds the resource tools to the given MCP server. cache may
// be nil, in which case only live resources are visible and
// resource_history is not registered.
func RegisterTools(server *mcp.Server, tracker Tracker, cache Cache) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "resource_list",
		Description: "List every tracked resource with its current status, version, sync mode and time remaining. Set include_cached to also return resources that are only in the local snapshot cache.",
	}, listHandler(tracker, cache))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "resource_get",
		Description: "Get the latest known snapshot of one resource, including its payload. Falls back to the local snapshot cache when the resource is not tracked.",
	}, getHandler(tracker, cache))

	if cache != nil {
		mcp.AddTool(server, &mcp.Tool{
			Name:        "resource_history",
			Description: "List recent snapshots of a resource from the local cache, newest first.",
		}, historyHandler(cache))
	}
}

// ListInput holds parameters for resource_list.
type ListInput struct {
	IncludeCached bool `json:"include_cached,omitempty" jsonschema:"also list resources only present in the snapshot cache"`
}

// GetInput holds parameters for resource_get.
type GetInput struct {
	ID string `json:"id" jsonschema:"required,resource id as listed in the watchlist"`
}

// HistoryInput holds parameters for resource_history.
type HistoryInput struct {
	ID    string `json:"id" jsonschema:"required,resource id"`
	Limit int    `json:"limit,omitempty" jsonschema:"number of snapshots to return, defaults to 10"`
}

// ListResult is the resource_list response.
type ListResult struct {
	Total     int                    `json:"total"`
	Resources []monitor.ResourceView `json:"resources"`
	Cached    []state.Record         `json:"cached,omitempty"`
}

// GetResult is the resource_get response. Exactly one of Resource and
// Cached is set.
type GetResult struct {
	Source   string                `json:"source"`
	Resource *monitor.ResourceView `json:"resource,omitempty"`
	Cached   *state.Record         `json:"cached,omitempty"`
}

// HistoryResult is the resource_history response.
type HistoryResult struct {
	ResourceID string              `json:"resource_id"`
	Total      int                 `json:"total"`
	Snapshots  []livesync.Snapshot `json:"snapshots"`
}

func listHandler(tracker Tracker, cache Cache) mcp.ToolHandlerFor[ListInput, any] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ListInput) (*mcp.CallToolResult, any, error) {
		result := &ListResult{Resources: tracker.Resources()}

		if input.IncludeCached && cache != nil {
			records, err := cache.ListSnapshots()
			if err != nil {
				return nil, nil, fmt.Errorf("reading snapshot cache: %w", err)
			}

			for _, rec := range records {
				if _, live := tracker.Resource(rec.ResourceID); !live {
					result.Cached = append(result.Cached, rec)
				}
			}
		}

		result.Total = len(result.Resources) + len(result.Cached)

		return textResult(result), nil, nil
	}
}

func getHandler(tracker Tracker, cache Cache) mcp.ToolHandlerFor[GetInput, any] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input GetInput) (*mcp.CallToolResult, any, error) {
		if input.ID == "" {
			return nil, nil, fmt.Errorf("id is required")
		}

		if v, ok := tracker.Resource(input.ID); ok {
			return textResult(&GetResult{Source: "live", Resource: &v}), nil, nil
		}

		if cache != nil {
			rec, err := cache.GetSnapshot(input.ID)
			if err != nil {
				return nil, nil, fmt.Errorf("reading snapshot cache: %w", err)
			}

			if rec != nil {
				return textResult(&GetResult{Source: "cache", Cached: rec}), nil, nil
			}
		}

		return nil, nil, fmt.Errorf("resource %q not found", input.ID)
	}
}

func historyHandler(cache Cache) mcp.ToolHandlerFor[HistoryInput, any] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input HistoryInput) (*mcp.CallToolResult, any, error) {
		if input.ID == "" {
			return nil, nil, fmt.Errorf("id is required")
		}

		limit := input.Limit
		if limit <= 0 {
			limit = defaultHistoryLimit
		}

		limit = min(limit, maxHistoryLimit)

		snaps, err := cache.History(input.ID, limit)
		if err != nil {
			return nil, nil, fmt.Errorf("reading history: %w", err)
		}

		if snaps == nil {
			snaps = []livesync.Snapshot{}
		}

		return textResult(&HistoryResult{ResourceID: input.ID, Total: len(snaps), Snapshots: snaps}), nil, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
