// Package publisher is the boundary to the social platform.
package publisher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"postpilot/internal/content"
)

// DefaultMaxTextLength is the platform text limit in runes.
const DefaultMaxTextLength = 280

// Request is one item's final payload.
type Request struct {
	ItemID            string
	UserID            string
	Platform          string
	Type              content.Type
	Text              string
	ReplyToExternalID string
}

// Result is a successful publish.
type Result struct {
	ExternalID string
	PostedAt   time.Time
}

// Publisher sends one item to a platform.
type Publisher interface {
	Publish(ctx context.Context, req Request) (Result, error)
}

// Func adapts a function to Publisher.
type Func func(ctx context.Context, req Request) (Result, error)

func (f Func) Publish(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }

// RequestFor builds the request for it. A non-empty override replaces the text.
func RequestFor(it content.Item, override string) Request {
	text := it.Text
	if strings.TrimSpace(override) != "" {
		text = override
	}
	return Request{
		ItemID:            it.ID,
		UserID:            it.UserID,
		Platform:          it.Platform,
		Type:              it.Type,
		Text:              text,
		ReplyToExternalID: it.ReplyToExternalID,
	}
}

// CheckText rejects payloads the platform would refuse.
func CheckText(text string, max int) error {
	if max <= 0 {
		max = DefaultMaxTextLength
	}
	if strings.TrimSpace(text) == "" {
		return NewPermanent("empty_text", "text is empty", nil)
	}
	if n := utf8.RuneCountInString(text); n > max {
		return NewPermanent("text_too_long", fmt.Sprintf("text is %d characters, limit %d", n, max), nil)
	}
	return nil
}

// Router picks a Publisher by item platform.
type Router struct {
	mu       sync.RWMutex
	byName   map[string]Publisher
	fallback Publisher
}

func NewRouter(fallback Publisher) *Router {
	return &Router{byName: map[string]Publisher{}, fallback: fallback}
}

func (r *Router) Register(platform string, p Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[strings.ToLower(strings.TrimSpace(platform))] = p
}

func (r *Router) Publish(ctx context.Context, req Request) (Result, error) {
	r.mu.RLock()
	p, ok := r.byName[strings.ToLower(strings.TrimSpace(req.Platform))]
	if !ok {
		p = r.fallback
	}
	r.mu.RUnlock()
	if p == nil {
		return Result{}, NewPermanent("no_publisher", "no publisher for platform "+req.Platform, nil)
	}
	return p.Publish(ctx, req)
}
