package daemon

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Aman-CERP/tutosearch/internal/async"
	"github.com/Aman-CERP/tutosearch/internal/index"
	"github.com/Aman-CERP/tutosearch/internal/status"
	"github.com/Aman-CERP/tutosearch/internal/store"
)

// JSON-RPC 2.0 method names.
const (
	MethodSearch  = "search"
	MethodStatus  = "status"
	MethodPing    = "ping"
	MethodReindex = "reindex"
)

// Standard JSON-RPC 2.0 error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// Custom error codes for daemon-specific errors.
const (
	ErrCodeInvalidQuery      = -32001
	ErrCodeSearchFailed      = -32002
	ErrCodeReindexInProgress = -32003
	ErrCodeReindexFailed     = -32004
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      string `json:"id"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
	ID      string `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface so clients can return it directly.
func (e *Error) Error() string {
	return fmt.Sprintf("%s (code: %d)", e.Message, e.Code)
}

// Decode unmarshals the error's Data into v. It returns false when there is
// no data or it does not fit v.
func (e *Error) Decode(v any) bool {
	if e.Data == nil {
		return false
	}
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

// NewSuccessResponse creates a successful response.
func NewSuccessResponse(id string, result any) Response {
	return Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
}

// NewErrorResponse creates an error response.
func NewErrorResponse(id string, code int, message string) Response {
	return Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
		},
		ID: id,
	}
}

// SearchParams are the parameters for the search method.
type SearchParams struct {
	// Term is the free-text query. May be empty when a filter is set.
	Term string `json:"term,omitempty"`

	// Tags must all be present on a hit.
	Tags []string `json:"tags,omitempty"`

	// Category restricts hits to one category.
	Category string `json:"category,omitempty"`

	Offset int `json:"offset,omitempty"`

	// Limit is the page size. Zero uses the server default; larger values
	// are clamped to the server maximum.
	Limit int `json:"limit,omitempty"`

	// Sort is "relevance" (default) or "recency".
	Sort string `json:"sort,omitempty"`
}

// Validate checks the parameters the transport can judge on its own. Range
// checks are left to the search gateway.
func (p *SearchParams) Validate() error {
	if strings.TrimSpace(p.Term) == "" && len(p.Tags) == 0 && strings.TrimSpace(p.Category) == "" {
		return fmt.Errorf("term or a filter is required")
	}
	return nil
}

// Query converts the parameters to a search query.
func (p SearchParams) Query() store.Query {
	return store.Query{
		Term:     p.Term,
		Tags:     p.Tags,
		Category: p.Category,
		Offset:   p.Offset,
		Limit:    p.Limit,
		Sort:     store.SortMode(p.Sort),
	}
}

// ReindexParams are the parameters for the reindex method.
type ReindexParams struct {
	// Wait blocks until the rebuild finishes and returns its report.
	Wait bool `json:"wait,omitempty"`
}

// ReindexResult is the response to a reindex request.
type ReindexResult struct {
	// Started is true when this request started a rebuild.
	Started bool `json:"started"`
	// Report is set when Wait was requested.
	Report   *index.ReindexReport   `json:"report,omitempty"`
	Progress async.ProgressSnapshot `json:"progress"`
}

// StatusResult contains daemon status information.
type StatusResult struct {
	status.Status
	PID    int    `json:"pid"`
	Uptime string `json:"uptime"`
}

// PingResult is the response to a ping request.
type PingResult struct {
	Pong bool `json:"pong"`
	PID  int  `json:"pid"`
}
