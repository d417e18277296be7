// Package provider defines the adapter contract every mail provider
// implements and the registry that selects one per account kind.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nhle/mailhub/internal/model"
)

// ItemRef points at one provider item returned by a listing.
type ItemRef struct {
	ID string `json:"id"`
	// ReceivedAt is set when the listing carries a timestamp.
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// Page is one listing page. Refs never exceeds the requested page size.
type Page struct {
	Refs      []ItemRef
	NextToken string

	// UIDValidity identifies the UID generation of the listed mailbox.
	// Zero when the provider has none.
	UIDValidity uint32
}

// Adapter is the contract every provider kind implements.
type Adapter interface {
	// Kind returns the provider kind served by the adapter.
	Kind() model.ProviderKind

	// ListPage lists items received at or after since. token is the
	// continuation of the previous page, empty for the first.
	ListPage(
		ctx context.Context,
		acct model.Account,
		since time.Time,
		token string,
		pageSize int,
	) (*Page, error)

	// GetFull fetches and normalizes one item.
	GetFull(ctx context.Context, acct model.Account, ref ItemRef) (*model.Message, error)

	// Send delivers an outgoing message from acct.
	Send(ctx context.Context, acct model.Account, out model.OutgoingMail) (*model.SendReceipt, error)
}

// Registry selects the adapter of an account by its kind.
type Registry struct {
	mu       sync.RWMutex
	adapters map[model.ProviderKind]Adapter
}

// NewRegistry returns a registry holding adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.ProviderKind]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its kind.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Kind()] = a
}

// For returns the adapter serving acct.
func (r *Registry) For(acct model.Account) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[acct.Kind]
	if !ok {
		return nil, model.E(model.KindInvalidInput, "no adapter for provider kind %q (account %s)", acct.Kind, acct.ID)
	}
	return a, nil
}

// Kinds lists the registered kinds.
func (r *Registry) Kinds() []model.ProviderKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]model.ProviderKind, 0, len(r.adapters))
	for _, k := range model.SenderPriority {
		if _, ok := r.adapters[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

var quotaReasons = []string{
	"ratelimitexceeded",
	"userratelimitexceeded",
	"quotaexceeded",
	"dailylimitexceeded",
	"toomanyrequests",
	"throttled",
}

// IsQuotaReason reports whether a provider error reason names a rate or
// quota limit.
func IsQuotaReason(reason string) bool {
	r := strings.ToLower(reason)
	for _, q := range quotaReasons {
		if strings.Contains(r, q) {
			return true
		}
	}
	return false
}

// ClassifyStatus maps an HTTP failure to a classified error. reason is the
// provider's error reason or code, used to tell 403 quota errors apart.
func ClassifyStatus(status int, reason string, header http.Header, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusForbidden && IsQuotaReason(reason):
		return &model.Error{
			Kind:       model.KindRateLimited,
			Message:    fmt.Sprintf("%s: status %d %s", msg, status, reason),
			RetryAfter: RetryAfter(header),
		}
	case status == http.StatusUnauthorized:
		return model.E(model.KindAuth, "%s: status %d %s", msg, status, reason)
	case status == http.StatusNotFound:
		return model.E(model.KindNotFound, "%s: status %d %s", msg, status, reason)
	}
	return model.E(model.KindTransport, "%s: status %d %s", msg, status, reason)
}

// RetryAfter parses a Retry-After header given in seconds or as an HTTP
// date.
func RetryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	v := strings.TrimSpace(header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// WithTimeout bounds a provider call when timeout is positive.
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// CapRefs truncates refs to pageSize.
func CapRefs(refs []ItemRef, pageSize int) []ItemRef {
	if pageSize > 0 && len(refs) > pageSize {
		return refs[:pageSize]
	}
	return refs
}

// UIDTracker is implemented by adapters whose item ids increase
// monotonically, letting a run resume after the highest id already seen.
type UIDTracker interface {
	// ResumeToken is the first-page token continuing after lastUID.
	ResumeToken(lastUID uint32) string
	// MaxUID returns the highest id among refs.
	MaxUID(refs []ItemRef) uint32
}
