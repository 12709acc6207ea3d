// Package fleet bridges the tool-server RPC loop to an external fleet
// telemetry HTTP API: vehicle inventory, per-vehicle stats, and recent
// alerts.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/panoptes-ai/panoptes/internal/toolchan"
	"github.com/panoptes-ai/panoptes/internal/tools/rpc"
)

const (
	defaultAlertLimit = 20
	maxAlertLimit     = 200

	apiRetries = 2
)

// Client serves fleet tools against one telemetry API.
type Client struct {
	http    *httpClient
	baseURL string
	apiKey  string
	logger  *log.Logger
}

// New builds a client for the API at baseURL.
func New(baseURL, apiKey string, timeout time.Duration, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[FLEET] ", log.LstdFlags)
	}
	if baseURL == "" {
		return nil, errors.New("fleet base_url is required")
	}
	return &Client{
		http:    newHTTPClient(timeout, apiRetries, 0),
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		logger:  logger,
	}, nil
}

// Tools advertises the fleet tool surface.
func (c *Client) Tools() []toolchan.ToolDescriptor {
	return []toolchan.ToolDescriptor{
		{
			Name:        "list_vehicles",
			Description: "List all vehicles known to the telemetry API.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Name:        "get_vehicle_stats",
			Description: "Fetch aggregated stats for one vehicle, optionally a single metric.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"vehicle_id": map[string]any{"type": "string"},
					"metric":     map[string]any{"type": "string"},
				},
				"required": []string{"vehicle_id"},
			},
		},
		{
			Name:        "list_recent_alerts",
			Description: "List the most recent alerts across the fleet.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"limit": map[string]any{"type": "integer", "minimum": 1, "maximum": maxAlertLimit},
				},
			},
		},
	}
}

// Call dispatches one tool invocation.
func (c *Client) Call(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	switch name {
	case "list_vehicles":
		return c.get(ctx, "/vehicles", nil, "vehicles")
	case "get_vehicle_stats":
		id := rpc.Str(args["vehicle_id"])
		if id == "" {
			return nil, errors.New("vehicle_id is required")
		}
		params := url.Values{}
		if metric := rpc.Str(args["metric"]); metric != "" {
			params.Set("metric", metric)
		}
		return c.get(ctx, "/vehicles/"+url.PathEscape(id)+"/stats", params, "stats")
	case "list_recent_alerts":
		limit := rpc.AsInt(args["limit"])
		if limit == 0 {
			limit = defaultAlertLimit
		}
		limit = rpc.ClampInt(limit, 1, maxAlertLimit)
		params := url.Values{}
		params.Set("limit", strconv.Itoa(limit))
		return c.get(ctx, "/alerts", params, "alerts")
	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

// get fetches one endpoint and normalizes the payload: an object comes
// back as-is, an array is wrapped under wrapKey.
func (c *Client) get(ctx context.Context, path string, params url.Values, wrapKey string) (map[string]any, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	headers := map[string]string{}
	if c.apiKey != "" {
		headers["Authorization"] = "Bearer " + c.apiKey
	}

	var payload any
	if err := c.http.doJSON(ctx, "GET", u, headers, nil, &payload); err != nil {
		return nil, fmt.Errorf("fleet api %s: %w", path, err)
	}
	switch v := payload.(type) {
	case map[string]any:
		return v, nil
	case []any:
		return map[string]any{wrapKey: v}, nil
	default:
		return map[string]any{wrapKey: v}, nil
	}
}
