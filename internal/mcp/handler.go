package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"

	"github.com/samber/lo"

	"github.com/johnrirwin/spinefeed/internal/aggregator"
	"github.com/johnrirwin/spinefeed/internal/logging"
	"github.com/johnrirwin/spinefeed/internal/models"
)

// Scraper starts manual scrapes and reports on them.
type Scraper interface {
	Trigger(ctx context.Context, kind models.Kind, keys []string) (models.Task, error)
	TaskStatus(ctx context.Context, id string) (models.TaskStatus, error)
}

type Handler struct {
	agg     *aggregator.Aggregator
	scraper Scraper
	logger  *logging.Logger
}

func NewHandler(agg *aggregator.Aggregator, scraper Scraper, logger *logging.Logger) *Handler {
	return &Handler{
		agg:     agg,
		scraper: scraper,
		logger:  logger,
	}
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type GetFeedParams struct {
	Limit     int    `json:"limit"`
	Skip      int    `json:"skip"`
	Type      string `json:"type"`
	Source    string `json:"source"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Search    string `json:"search"`
}

type ScrapeParams struct {
	Kind    string   `json:"kind"`
	Sources []string `json:"sources"`
}

type TaskParams struct {
	TaskID string `json:"task_id"`
}

func (h *Handler) GetTools() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "get_spine_feed",
			Description: "Get the latest spine-industry articles and tweets, newest first.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"limit": {"type": "integer", "description": "Maximum number of items to return"},
					"skip": {"type": "integer", "description": "Number of items to skip"},
					"type": {"type": "string", "enum": ["both", "article", "tweet"]},
					"source": {"type": "string", "description": "Source key, e.g. beckers_spine or a Twitter username"},
					"start_date": {"type": "string", "description": "Earliest publication date (YYYY-MM-DD)"},
					"end_date": {"type": "string", "description": "Latest publication date, inclusive (YYYY-MM-DD)"},
					"search": {"type": "string", "description": "Case-insensitive text search"}
				}
			}`),
		},
		{
			Name:        "get_spine_stats",
			Description: "Get item counts per kind and source, the last update time and the scraper schedule.",
			InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
		},
		{
			Name:        "list_spine_sources",
			Description: "List tracked article sites, Twitter users and keywords with their item counts.",
			InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
		},
		{
			Name:        "scrape_spine_sources",
			Description: "Start a scrape of article sites or tweet sources. Returns a task ID to poll with get_scrape_task.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"kind": {"type": "string", "enum": ["article", "tweet"]},
					"sources": {"type": "array", "items": {"type": "string"}, "description": "Source keys; all enabled sources when empty"}
				},
				"required": ["kind"]
			}`),
		},
		{
			Name:        "get_scrape_task",
			Description: "Get the status and counts of a scrape started with scrape_spine_sources.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {"task_id": {"type": "string"}},
				"required": ["task_id"]
			}`),
		},
	}
}

func (h *Handler) HandleToolCall(ctx context.Context, name string, arguments json.RawMessage) (interface{}, error) {
	switch name {
	case "get_spine_feed":
		return h.handleGetFeed(ctx, arguments)
	case "get_spine_stats":
		return h.agg.Stats(ctx), nil
	case "list_spine_sources":
		return h.handleGetSources(ctx)
	case "scrape_spine_sources":
		return h.handleScrape(ctx, arguments)
	case "get_scrape_task":
		return h.handleTask(ctx, arguments)
	default:
		return nil, &ToolError{Message: "Unknown tool: " + name}
	}
}

func decodeArgs(arguments json.RawMessage, v interface{}) error {
	if len(arguments) == 0 {
		return nil
	}
	if err := json.Unmarshal(arguments, v); err != nil {
		return &ToolError{Message: "Invalid arguments: " + err.Error()}
	}
	return nil
}

// handleGetFeed goes through the same filter parsing as the HTTP feed.
func (h *Handler) handleGetFeed(ctx context.Context, arguments json.RawMessage) (interface{}, error) {
	var params GetFeedParams
	if err := decodeArgs(arguments, &params); err != nil {
		return nil, err
	}
	values := url.Values{}
	if params.Limit != 0 {
		values.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.Skip != 0 {
		values.Set("skip", strconv.Itoa(params.Skip))
	}
	for key, v := range map[string]string{
		"type":       params.Type,
		"source":     params.Source,
		"start_date": params.StartDate,
		"end_date":   params.EndDate,
		"search":     params.Search,
	} {
		if v != "" {
			values.Set(key, v)
		}
	}

	filter, err := models.ParseFeedFilter(values)
	if err != nil {
		return nil, &ToolError{Message: err.Error()}
	}
	return h.agg.Feed(ctx, filter)
}

func (h *Handler) handleGetSources(ctx context.Context) (interface{}, error) {
	sources, err := h.agg.Sources(ctx, "")
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"sources": sources,
		"count":   len(sources),
	}, nil
}

func (h *Handler) handleScrape(ctx context.Context, arguments json.RawMessage) (interface{}, error) {
	var params ScrapeParams
	if err := decodeArgs(arguments, &params); err != nil {
		return nil, err
	}
	kind, ok := models.ParseKind(params.Kind)
	if !ok {
		return nil, &ToolError{Message: "kind must be article or tweet"}
	}

	keys := lo.Uniq(lo.Compact(lo.Map(params.Sources, func(k string, _ int) string {
		return models.SourceKey(kind, k)
	})))
	task, err := h.scraper.Trigger(ctx, kind, keys)
	if err != nil {
		return nil, &ToolError{Message: "Failed to start scrape: " + err.Error()}
	}
	return task, nil
}

func (h *Handler) handleTask(ctx context.Context, arguments json.RawMessage) (interface{}, error) {
	var params TaskParams
	if err := decodeArgs(arguments, &params); err != nil {
		return nil, err
	}
	if params.TaskID == "" {
		return nil, &ToolError{Message: "task_id is required"}
	}
	return h.scraper.TaskStatus(ctx, params.TaskID)
}

type ToolError struct {
	Message string
}

func (e *ToolError) Error() string {
	return e.Message
}

// IsToolError reports whether err is a caller mistake rather than a server failure.
func IsToolError(err error) bool {
	var te *ToolError
	return errors.As(err, &te)
}
