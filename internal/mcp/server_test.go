package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnrirwin/spinefeed/internal/aggregator"
	"github.com/johnrirwin/spinefeed/internal/cache"
	"github.com/johnrirwin/spinefeed/internal/database"
	"github.com/johnrirwin/spinefeed/internal/logging"
	"github.com/johnrirwin/spinefeed/internal/models"
)

type fakeScraper struct {
	triggered []string
}

func (f *fakeScraper) Trigger(_ context.Context, kind models.Kind, keys []string) (models.Task, error) {
	if len(keys) == 1 && keys[0] == "missing" {
		return models.Task{}, errors.New("unknown source")
	}
	f.triggered = append(f.triggered, keys...)
	return models.Task{ID: "task-1", Kind: kind}, nil
}

func (f *fakeScraper) TaskStatus(_ context.Context, id string) (models.TaskStatus, error) {
	return models.TaskStatus{TaskID: id, Status: models.TaskCompleted}, nil
}

func newTestHandler(t *testing.T) (*Handler, *fakeScraper) {
	t.Helper()
	store := database.NewMemoryStore()
	at := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	for i, item := range []models.ContentItem{
		{ID: "https://a.example/1", Kind: models.KindArticle, Source: "beckers_spine", Title: "Robotic spine surgery", URL: "https://a.example/1", PublishedAt: at},
		{ID: "1001", Kind: models.KindTweet, Source: "drspine", Text: "Disc replacement outcomes", URL: "https://twitter.com/drspine/status/1001", PublishedAt: at.Add(time.Hour)},
	} {
		item.IngestedAt = at.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.InsertItem(context.Background(), item))
	}

	c := cache.NewMemory(time.Minute)
	t.Cleanup(func() { c.Close() })
	logger := logging.NewWithWriter(io.Discard, logging.LevelError)
	scraper := &fakeScraper{}
	return NewHandler(aggregator.New(store, c, logger), scraper, logger), scraper
}

// exchange feeds each line to the server and returns one decoded response per output line.
func exchange(t *testing.T, h *Handler, lines ...string) []Response {
	t.Helper()
	var out bytes.Buffer
	in := strings.NewReader(strings.Join(lines, "\n") + "\n")
	server := NewServer(h, logging.NewWithWriter(io.Discard, logging.LevelError)).WithIO(in, &out)
	require.NoError(t, server.Run(context.Background()))

	var responses []Response
	scanner := bufio.NewScanner(&out)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var resp Response
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
		responses = append(responses, resp)
	}
	return responses
}

func toolText(t *testing.T, resp Response) (string, bool) {
	t.Helper()
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var result CallToolResult
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Len(t, result.Content, 1)
	return result.Content[0].Text, result.IsError
}

func TestServer_InitializeAndList(t *testing.T) {
	h, _ := newTestHandler(t)
	responses := exchange(t, h,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}`,
		`{"jsonrpc":"2.0","method":"initialized"}`,
		``,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
	)
	require.Len(t, responses, 2)

	assert.Nil(t, responses[0].Error)
	assert.Contains(t, mustJSON(t, responses[0].Result), `"name":"spinefeed"`)

	var names []string
	for _, tool := range h.GetTools() {
		names = append(names, tool.Name)
		assert.True(t, json.Valid(tool.InputSchema), tool.Name)
	}
	assert.Equal(t, []string{"get_spine_feed", "get_spine_stats", "list_spine_sources", "scrape_spine_sources", "get_scrape_task"}, names)
	assert.Contains(t, mustJSON(t, responses[1].Result), `"get_spine_feed"`)
}

func TestServer_ProtocolErrors(t *testing.T) {
	h, _ := newTestHandler(t)
	responses := exchange(t, h,
		`not json`,
		`{"jsonrpc":"2.0","id":7,"method":"resources/list"}`,
		`{"jsonrpc":"2.0","id":8,"method":"tools/call","params":"oops"}`,
	)
	require.Len(t, responses, 3)
	assert.Equal(t, -32700, responses[0].Error.Code)
	assert.Equal(t, -32601, responses[1].Error.Code)
	assert.Equal(t, -32602, responses[2].Error.Code)
}

func TestServer_GetFeedTool(t *testing.T) {
	h, _ := newTestHandler(t)
	responses := exchange(t, h,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"get_spine_feed","arguments":{"type":"article"}}}`,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"get_spine_feed","arguments":{"limit":-1}}}`,
		`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"nope"}}`,
	)
	require.Len(t, responses, 3)

	text, isErr := toolText(t, responses[0])
	require.False(t, isErr, text)
	var feed models.FeedResponse
	require.NoError(t, json.Unmarshal([]byte(text), &feed))
	require.Equal(t, 1, feed.Count)
	assert.Equal(t, models.KindArticle, feed.Items[0].Type)
	assert.Equal(t, "article", feed.Type)

	_, isErr = toolText(t, responses[1])
	assert.True(t, isErr)

	text, isErr = toolText(t, responses[2])
	assert.True(t, isErr)
	assert.Contains(t, text, "Unknown tool: nope")
}

func TestHandler_FeedDefaultsToBothKinds(t *testing.T) {
	h, _ := newTestHandler(t)
	result, err := h.HandleToolCall(context.Background(), "get_spine_feed", nil)
	require.NoError(t, err)

	feed := result.(models.FeedResponse)
	require.Equal(t, 2, feed.Count)
	assert.Equal(t, "1001", feed.Items[0].ID)
	assert.Equal(t, models.DefaultFeedLimit, feed.Limit)
}

func TestHandler_SourcesAndStats(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()

	result, err := h.HandleToolCall(ctx, "get_spine_stats", nil)
	require.NoError(t, err)
	stats := result.(aggregator.Stats)
	assert.Equal(t, 1, stats.Totals[models.KindTweet])
	assert.Equal(t, 1, stats.Totals[models.KindArticle])

	_, err = h.HandleToolCall(ctx, "list_spine_sources", nil)
	require.NoError(t, err)
}

func TestHandler_Scrape(t *testing.T) {
	h, scraper := newTestHandler(t)
	ctx := context.Background()

	result, err := h.HandleToolCall(ctx, "scrape_spine_sources", json.RawMessage(`{"kind":"tweet","sources":["drspine"]}`))
	require.NoError(t, err)
	assert.Equal(t, "task-1", result.(models.Task).ID)
	assert.Equal(t, []string{"drspine"}, scraper.triggered)

	_, err = h.HandleToolCall(ctx, "scrape_spine_sources", json.RawMessage(`{"kind":"podcast"}`))
	assert.True(t, IsToolError(err))

	_, err = h.HandleToolCall(ctx, "scrape_spine_sources", json.RawMessage(`{"kind":"tweet","sources":["missing"]}`))
	assert.True(t, IsToolError(err))

	_, err = h.HandleToolCall(ctx, "get_scrape_task", json.RawMessage(`{}`))
	assert.True(t, IsToolError(err))

	result, err = h.HandleToolCall(ctx, "get_scrape_task", json.RawMessage(`{"task_id":"task-1"}`))
	require.NoError(t, err)
	assert.Equal(t, "task-1", result.(models.TaskStatus).TaskID)
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}
