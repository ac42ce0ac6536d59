package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/meilisearch/meilisearch-go"
)

// meiliDocument is the stored shape of a Document in Meilisearch. Tombstones
// keep id, version and deleted; every query filters them out. Version is a
// decimal string because Meilisearch numbers are doubles.
type meiliDocument struct {
	ID        string   `json:"id"`
	Version   string   `json:"version"`
	Deleted   bool     `json:"deleted"`
	Title     string   `json:"title,omitempty"`
	Slug      string   `json:"slug,omitempty"`
	Summary   string   `json:"summary,omitempty"`
	Body      string   `json:"body,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Category  string   `json:"category,omitempty"`
	AuthorID  string   `json:"author_id,omitempty"`
	UpdatedAt int64    `json:"updated_at"`
}

// meiliSearch is a search request against one index.
type meiliSearch struct {
	Query     string
	Filter    string
	Sort      []string
	Offset    int
	Limit     int
	Highlight bool
}

// meiliResult is a decoded search response.
type meiliResult struct {
	Hits      []map[string]any
	Estimated int
}

// meiliAPI is the slice of the Meilisearch service the backend relies on.
type meiliAPI interface {
	EnsureIndex(ctx context.Context, uid string) error
	DeleteIndex(ctx context.Context, uid string) error
	Swap(ctx context.Context, a, b string) error
	Put(ctx context.Context, uid string, docs []meiliDocument) error
	Remove(ctx context.Context, uid, id string) error
	Versions(ctx context.Context, uid string, ids []string) (map[string]meiliDocument, error)
	// Tombstones pages through the tombstones of uid.
	Tombstones(ctx context.Context, uid string, offset, limit int) ([]meiliDocument, error)
	Search(ctx context.Context, uid string, req meiliSearch) (*meiliResult, error)
	Healthy(ctx context.Context) bool
}

// meiliStatusError carries the HTTP status of a failed call. A zero status
// means the request never got an answer.
type meiliStatusError struct {
	Status int
	Err    error
}

func (e *meiliStatusError) Error() string {
	if e.Status == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("meilisearch status %d: %v", e.Status, e.Err)
}

func (e *meiliStatusError) Unwrap() error { return e.Err }

// rejected reports whether the service refused the request itself, as
// opposed to being unreachable, overloaded or timing out.
func (e *meiliStatusError) rejected() bool {
	return e.Status >= 400 && e.Status < 500 &&
		e.Status != http.StatusRequestTimeout && e.Status != http.StatusTooManyRequests
}

func classifyMeiliError(err error) error {
	if err == nil {
		return nil
	}
	var me *meilisearch.Error
	if errors.As(err, &me) {
		return &meiliStatusError{Status: me.StatusCode, Err: err}
	}
	return &meiliStatusError{Err: err}
}

// sdkClient implements meiliAPI with the official SDK.
type sdkClient struct {
	client       meilisearch.ServiceManager
	taskTimeout  time.Duration
	pollInterval time.Duration
}

func newSDKClient(url, apiKey string, taskTimeout, pollInterval time.Duration) *sdkClient {
	if taskTimeout <= 0 {
		taskTimeout = 30 * time.Second
	}
	if pollInterval <= 0 {
		pollInterval = 50 * time.Millisecond
	}
	return &sdkClient{
		client:       meilisearch.New(url, meilisearch.WithAPIKey(apiKey)),
		taskTimeout:  taskTimeout,
		pollInterval: pollInterval,
	}
}

// wait blocks until the task finishes and turns a failed task into an error.
func (c *sdkClient) wait(ctx context.Context, info *meilisearch.TaskInfo) error {
	ctx, cancel := context.WithTimeout(ctx, c.taskTimeout)
	defer cancel()

	task, err := c.client.WaitForTaskWithContext(ctx, info.TaskUID, c.pollInterval)
	if err != nil {
		if ctx.Err() != nil {
			return &meiliStatusError{Err: fmt.Errorf("task %d: %w", info.TaskUID, ctx.Err())}
		}
		return classifyMeiliError(err)
	}
	if task.Status == meilisearch.TaskStatusFailed {
		return &meiliStatusError{
			Status: http.StatusBadRequest,
			Err:    fmt.Errorf("task %d failed: %s", info.TaskUID, task.Error.Message),
		}
	}
	return nil
}

func (c *sdkClient) EnsureIndex(ctx context.Context, uid string) error {
	info, err := c.client.CreateIndexWithContext(ctx, &meilisearch.IndexConfig{Uid: uid, PrimaryKey: "id"})
	if err != nil {
		return classifyMeiliError(err)
	}
	// Creating an existing index fails the task; that is fine here.
	_ = c.wait(ctx, info)

	idx := c.client.Index(uid)
	settings := []func() (*meilisearch.TaskInfo, error){
		func() (*meilisearch.TaskInfo, error) {
			return idx.UpdateFilterableAttributesWithContext(ctx, &[]interface{}{"id", "deleted", "tags", "category"})
		},
		func() (*meilisearch.TaskInfo, error) {
			return idx.UpdateSortableAttributesWithContext(ctx, &[]string{"updated_at"})
		},
		func() (*meilisearch.TaskInfo, error) {
			return idx.UpdateSearchableAttributesWithContext(ctx, &[]string{"title", "tags", "summary", "body"})
		},
	}
	for _, apply := range settings {
		info, err := apply()
		if err != nil {
			return classifyMeiliError(err)
		}
		if err := c.wait(ctx, info); err != nil {
			return err
		}
	}
	return nil
}

func (c *sdkClient) DeleteIndex(ctx context.Context, uid string) error {
	info, err := c.client.DeleteIndexWithContext(ctx, uid)
	if err != nil {
		return classifyMeiliError(err)
	}
	// A missing index fails the task; deleting is idempotent for callers.
	_ = c.wait(ctx, info)
	return nil
}

func (c *sdkClient) Swap(ctx context.Context, a, b string) error {
	info, err := c.client.SwapIndexesWithContext(ctx, []*meilisearch.SwapIndexesParams{{Indexes: []string{a, b}}})
	if err != nil {
		return classifyMeiliError(err)
	}
	return c.wait(ctx, info)
}

func (c *sdkClient) Put(ctx context.Context, uid string, docs []meiliDocument) error {
	info, err := c.client.Index(uid).AddDocumentsWithContext(ctx, docs, nil)
	if err != nil {
		return classifyMeiliError(err)
	}
	return c.wait(ctx, info)
}

func (c *sdkClient) Remove(ctx context.Context, uid, id string) error {
	info, err := c.client.Index(uid).DeleteDocumentWithContext(ctx, id, nil)
	if err != nil {
		return classifyMeiliError(err)
	}
	return c.wait(ctx, info)
}

func (c *sdkClient) Versions(ctx context.Context, uid string, ids []string) (map[string]meiliDocument, error) {
	out := make(map[string]meiliDocument, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = meiliQuote(id)
	}
	resp, err := c.client.Index(uid).SearchWithContext(ctx, "", &meilisearch.SearchRequest{
		Filter:               "id IN [" + strings.Join(quoted, ", ") + "]",
		Limit:                int64(len(ids)),
		AttributesToRetrieve: []string{"id", "version", "deleted"},
	})
	if err != nil {
		return nil, classifyMeiliError(err)
	}

	var docs []meiliDocument
	if err := remarshal(resp.Hits, &docs); err != nil {
		return nil, &meiliStatusError{Err: err}
	}
	for _, d := range docs {
		out[d.ID] = d
	}
	return out, nil
}

// Tombstones uses the documents route rather than search, which stops
// paginating at the index's maxTotalHits.
func (c *sdkClient) Tombstones(ctx context.Context, uid string, offset, limit int) ([]meiliDocument, error) {
	var resp meilisearch.DocumentsResult
	err := c.client.Index(uid).GetDocumentsWithContext(ctx, &meilisearch.DocumentsQuery{
		Offset: int64(offset),
		Limit:  int64(limit),
		Fields: []string{"id", "version", "deleted"},
		Filter: "deleted = true",
	}, &resp)
	if err != nil {
		return nil, classifyMeiliError(err)
	}
	var docs []meiliDocument
	if err := remarshal(resp.Results, &docs); err != nil {
		return nil, &meiliStatusError{Err: err}
	}
	return docs, nil
}

func (c *sdkClient) Search(ctx context.Context, uid string, req meiliSearch) (*meiliResult, error) {
	sr := &meilisearch.SearchRequest{
		Query:            req.Query,
		Filter:           req.Filter,
		Sort:             req.Sort,
		Offset:           int64(req.Offset),
		Limit:            int64(req.Limit),
		ShowRankingScore: true,
		AttributesToRetrieve: []string{
			"id", "title", "slug", "summary", "updated_at",
		},
	}
	if req.Highlight {
		sr.AttributesToCrop = []string{"body"}
		sr.CropLength = 24
		sr.AttributesToHighlight = []string{"body"}
		sr.HighlightPreTag = "<mark>"
		sr.HighlightPostTag = "</mark>"
	}

	resp, err := c.client.Index(uid).SearchWithContext(ctx, req.Query, sr)
	if err != nil {
		return nil, classifyMeiliError(err)
	}

	res := &meiliResult{Estimated: int(resp.EstimatedTotalHits)}
	if resp.TotalHits > 0 {
		res.Estimated = int(resp.TotalHits)
	}
	if err := remarshal(resp.Hits, &res.Hits); err != nil {
		return nil, &meiliStatusError{Err: err}
	}
	return res, nil
}

func (c *sdkClient) Healthy(ctx context.Context) bool {
	h, err := c.client.HealthWithContext(ctx)
	return err == nil && h.Status == "available"
}

// remarshal decodes SDK hits into a concrete shape regardless of how the SDK
// types them.
func remarshal(in any, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// meiliQuote quotes a value for a Meilisearch filter expression.
func meiliQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
