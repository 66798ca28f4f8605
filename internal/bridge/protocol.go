// Package bridge carries the index's request/response protocol across the
// trust boundary between the embedded frame and the agent. It validates
// inbound messages, dispatches them to handlers under the budget manager, and
// keeps every outbound message under a size ceiling.
package bridge

import (
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/elementindex/internal/cache"
	"github.com/xkilldash9x/elementindex/internal/document"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrInvalidOrigin reports a sender outside the allow-list.
	ErrInvalidOrigin = errors.New("bridge: origin not allowed")
	// ErrMalformed reports a message that failed shape validation.
	ErrMalformed = errors.New("bridge: malformed message")
	// ErrUnknownType reports a request kind with no handler.
	ErrUnknownType = errors.New("bridge: unknown message type")
	// ErrResponseTooLarge reports a response over the size ceiling even after
	// truncation.
	ErrResponseTooLarge = errors.New("bridge: response too large")
	// ErrRequestTimeout reports a request that was not answered in time.
	ErrRequestTimeout = errors.New("bridge: request timed out")
	// ErrDuplicateRequest reports a requestId that is already in flight.
	ErrDuplicateRequest = errors.New("bridge: duplicate request id")
	// ErrClosed is returned by a closed client.
	ErrClosed = errors.New("bridge: connection closed")
)

// Outbound message types.
const (
	TypeResponse = "response"
	TypeError    = "error"
)

// Request kinds.
const (
	KindFindElements          = "findElements"
	KindGetAllElements        = "getAllElements"
	KindGetStats              = "getStats"
	KindPing                  = "ping"
	KindForceRescan           = "forceRescan"
	KindCleanup               = "cleanup"
	KindUpdateConfig          = "updateConfig"
	KindGetByCategory         = "getByCategory"
	KindGetClickable          = "getClickableElements"
	KindGetForm               = "getFormElements"
	KindGetNavigation         = "getNavigationElements"
	KindGetMedia              = "getMediaElements"
	KindGetInteractive        = "getInteractiveElements"
	KindClassificationSummary = "getClassificationSummary"
	KindVerifyCache           = "verifyCache"
	KindRefreshCache          = "refreshCache"
	KindCacheDebugInfo        = "getCacheDebugInfo"
)

// Inbound is a request from the agent side.
type Inbound struct {
	Type      string              `json:"type" validate:"required,max=64,kind"`
	RequestID string              `json:"requestId" validate:"required,max=128,reqid"`
	Data      jsoniter.RawMessage `json:"data,omitempty"`
}

// Outbound is a response or error. Limit and Size are set only on
// size-exceeded errors.
type Outbound struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Size      int    `json:"size,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func newResponse(id string, data any, now time.Time) Outbound {
	return Outbound{Type: TypeResponse, RequestID: id, Data: data, Timestamp: now.UnixMilli()}
}

func newError(id string, err error, now time.Time) Outbound {
	o := Outbound{Type: TypeError, RequestID: id, Error: err.Error(), Timestamp: now.UnixMilli()}
	var se *SizeError
	if errors.As(err, &se) {
		o.Limit, o.Size = se.Limit, se.Size
	}
	return o
}

// SizeError reports a payload over its ceiling.
type SizeError struct {
	Limit int
	Size  int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("%v: %d bytes exceeds the %d byte limit", ErrResponseTooLarge, e.Size, e.Limit)
}

func (e *SizeError) Unwrap() error { return ErrResponseTooLarge }

// RemoteError is an error response received by a Client.
type RemoteError struct {
	RequestID string
	Message   string
}

func (e *RemoteError) Error() string { return "bridge: remote error: " + e.Message }

// ElementRef is the wire form of one matched element. Selector is the handle
// the action layer resolves.
type ElementRef struct {
	Identity     string        `json:"identity"`
	Tag          string        `json:"tag"`
	Role         string        `json:"role,omitempty"`
	Text         string        `json:"text,omitempty"`
	Selector     string        `json:"selector"`
	Geometry     document.Rect `json:"geometry"`
	Visible      bool          `json:"visible"`
	Interactable bool          `json:"interactable"`
	Priority     float64       `json:"priority"`
	Score        float64       `json:"score,omitempty"`
	Categories   []string      `json:"categories,omitempty"`
	MatchedBy    []string      `json:"matchedBy,omitempty"`
}

// ElementList is a result list. Truncated and OriginalCount flag a list that
// was shrunk to fit a size ceiling.
type ElementList struct {
	Elements      []ElementRef `json:"elements"`
	Count         int          `json:"count"`
	Truncated     bool         `json:"truncated,omitempty"`
	OriginalCount int          `json:"original_count,omitempty"`
}

// NewElementList converts ranked cache results to their wire form.
func NewElementList(results []cache.Result) ElementList {
	refs := make([]ElementRef, 0, len(results))
	for _, r := range results {
		if r.Snapshot == nil {
			continue
		}
		refs = append(refs, ElementRef{
			Identity:     r.Identity,
			Tag:          r.Tag,
			Role:         r.Role,
			Text:         r.Text,
			Selector:     r.Selector,
			Geometry:     r.Geometry,
			Visible:      r.Visible,
			Interactable: r.Interactable,
			Priority:     r.Priority,
			Score:        r.Score,
			Categories:   r.Categories,
			MatchedBy:    r.MatchedBy,
		})
	}
	return ElementList{Elements: refs, Count: len(refs)}
}

// Shrinkable is response data with a variable-length part that can be cut.
type Shrinkable interface {
	// Shrink keeps factor of the variable-length part. ok is false when
	// there is nothing left to cut.
	Shrink(factor float64) (shrunk any, ok bool)
}

// Shrink implements Shrinkable.
func (l ElementList) Shrink(factor float64) (any, bool) {
	shrunk, ok := l.shrink(factor)
	return shrunk, ok
}

func (l ElementList) shrink(factor float64) (ElementList, bool) {
	n := len(l.Elements)
	if n == 0 {
		return l, false
	}
	keep := int(float64(n) * factor)
	original := n
	if l.Truncated && l.OriginalCount > 0 {
		original = l.OriginalCount
	}
	return ElementList{
		Elements:      append(make([]ElementRef, 0, keep), l.Elements[:keep]...),
		Count:         keep,
		Truncated:     true,
		OriginalCount: original,
	}, true
}
