package testutil

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/provider"
)

// ListCall records the arguments of one ListPage call.
type ListCall struct {
	Since    time.Time
	Token    string
	PageSize int
}

// FakeAdapter is an in-memory provider.Adapter. Listings return Items
// received at or after since, newest first, paged by offset tokens.
type FakeAdapter struct {
	ProviderKind model.ProviderKind

	mu        sync.Mutex
	items     []model.Message
	listErrs  []error
	getErrs   map[string]error
	sendErr   error
	listCalls []ListCall
	sent      []model.OutgoingMail
}

var _ provider.Adapter = (*FakeAdapter)(nil)

// NewFakeAdapter returns an empty adapter for kind.
func NewFakeAdapter(kind model.ProviderKind) *FakeAdapter {
	return &FakeAdapter{ProviderKind: kind, getErrs: make(map[string]error)}
}

// Add makes msgs listable. Only ProviderID, Subject, body and ReceivedAt
// need to be set.
func (f *FakeAdapter) Add(msgs ...model.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, msgs...)
	slices.SortStableFunc(f.items, func(a, b model.Message) int {
		return b.ReceivedAt.Compare(a.ReceivedAt)
	})
}

// FailList makes the next ListPage calls fail with errs, one per call.
func (f *FakeAdapter) FailList(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErrs = append(f.listErrs, errs...)
}

// FailGet makes every GetFull of providerID fail with err.
func (f *FakeAdapter) FailGet(providerID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getErrs[providerID] = err
}

// FailSend makes Send fail with err; nil restores success.
func (f *FakeAdapter) FailSend(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// ListCalls returns the recorded ListPage calls.
func (f *FakeAdapter) ListCalls() []ListCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.listCalls)
}

// Sent returns the delivered messages.
func (f *FakeAdapter) Sent() []model.OutgoingMail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sent)
}

func (f *FakeAdapter) Kind() model.ProviderKind { return f.ProviderKind }

func (f *FakeAdapter) ListPage(
	_ context.Context,
	_ model.Account,
	since time.Time,
	token string,
	pageSize int,
) (*provider.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listCalls = append(f.listCalls, ListCall{Since: since, Token: token, PageSize: pageSize})
	if len(f.listErrs) > 0 {
		err := f.listErrs[0]
		f.listErrs = f.listErrs[1:]
		return nil, err
	}

	offset := 0
	if token != "" {
		n, err := strconv.Atoi(token)
		if err != nil {
			return nil, model.E(model.KindInvalidInput, "bad token %q", token)
		}
		offset = n
	}

	var matching []model.Message
	for _, m := range f.items {
		if !m.ReceivedAt.Before(since) {
			matching = append(matching, m)
		}
	}
	if offset > len(matching) {
		offset = len(matching)
	}
	end := min(offset+pageSize, len(matching))

	page := &provider.Page{}
	for _, m := range matching[offset:end] {
		page.Refs = append(page.Refs, provider.ItemRef{ID: m.ProviderID, ReceivedAt: m.ReceivedAt})
	}
	if end < len(matching) {
		page.NextToken = strconv.Itoa(end)
	}
	return page, nil
}

func (f *FakeAdapter) GetFull(_ context.Context, acct model.Account, ref provider.ItemRef) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.getErrs[ref.ID]; err != nil {
		return nil, err
	}
	for _, m := range f.items {
		if m.ProviderID == ref.ID {
			out := m
			out.ID = model.MessageID(acct.ID, m.ProviderID)
			out.AccountID = acct.ID
			if out.Snippet == "" {
				out.Snippet = model.Snippet(out.BodyText)
			}
			return &out, nil
		}
	}
	return nil, model.E(model.KindNotFound, "item %s not found", ref.ID)
}

func (f *FakeAdapter) Send(_ context.Context, _ model.Account, out model.OutgoingMail) (*model.SendReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, out)
	return &model.SendReceipt{MessageID: "sent-" + strconv.Itoa(len(f.sent)) + "@test"}, nil
}
