// Package reply implements the reply queue: drafting, gated sending and
// bulk sending of queued replies.
package reply

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/mailhub/internal/logging"
	"github.com/nhle/mailhub/internal/metrics"
	"github.com/nhle/mailhub/internal/mime"
	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/provider"
	"github.com/nhle/mailhub/internal/store"
)

const (
	// DefaultGateWord is required in a send confirmation when none is
	// configured.
	DefaultGateWord = "send"

	// ComposeReason marks items enqueued by Compose.
	ComposeReason = "manual compose"

	autoBatch = 50
)

// Store is the persistence the queue needs.
type Store interface {
	store.AccountStore
	store.MessageStore
	store.ReplyStore
}

// Senders resolves the adapter able to send from an account.
type Senders interface {
	For(acct model.Account) (provider.Adapter, error)
}

// SendRequest carries the confirmation and optional payload of a send.
type SendRequest struct {
	// Confirmation must contain the gate word.
	Confirmation string
	Mode         model.SendMode
	// Payload overrides the stored draft. Keys are subject, to, from and
	// context.
	Payload map[string]string
	// Bypass sends the stored draft when a payload would be required.
	Bypass bool
}

// SendResult describes a delivered reply.
type SendResult struct {
	ID        int64          `json:"id"`
	MessageID string         `json:"message_id"`
	AccountID string         `json:"account_id"`
	Kind      string         `json:"kind"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Subject   string         `json:"subject"`
	Mode      model.SendMode `json:"mode"`
	Source    string         `json:"source"`
	Receipt   string         `json:"receipt,omitempty"`
}

// BulkRequest controls SendAll.
type BulkRequest struct {
	Confirm bool
	Bypass  bool
	Limit   int
}

// ItemFailure is a per-item error of a bulk operation.
type ItemFailure struct {
	ID    int64          `json:"id"`
	Error *model.Failure `json:"error"`
}

// BulkResult is the outcome of SendAll.
type BulkResult struct {
	Sent     []SendResult  `json:"sent"`
	Failed   []ItemFailure `json:"failed"`
	NotReady []int64       `json:"not_ready"`
}

// Preview is a drafted reply as it would be sent.
type Preview struct {
	ID        int64  `json:"id"`
	MessageID string `json:"message_id"`
	From      string `json:"from,omitempty"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// AutoResult is the outcome of Auto.
type AutoResult struct {
	DryRun  bool          `json:"dry_run"`
	Drafted []Preview     `json:"drafted"`
	Sent    []SendResult  `json:"sent"`
	Failed  []ItemFailure `json:"failed"`
}

// Queue runs reply queue operations.
type Queue struct {
	store   Store
	senders Senders
	drafter Drafter
	cfg     model.ReplyConfig
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the queue logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithDrafter sets the drafter. Without one drafts use the fallback.
func WithDrafter(d Drafter) Option {
	return func(q *Queue) { q.drafter = d }
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New returns a Queue.
func New(s Store, senders Senders, cfg model.ReplyConfig, opts ...Option) *Queue {
	if cfg.GateWord == "" {
		cfg.GateWord = DefaultGateWord
	}
	q := &Queue{
		store:   s,
		senders: senders,
		cfg:     cfg,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// GateWord returns the word a confirmation must contain.
func (q *Queue) GateWord() string { return q.cfg.GateWord }

// Enqueue adds a pending item for messageID, returning the existing
// pending item when there is one.
func (q *Queue) Enqueue(ctx context.Context, messageID, reason string) (int64, error) {
	id, created, err := q.store.EnqueueReply(ctx, messageID, reason, q.now().UTC())
	if err != nil {
		return 0, err
	}
	if created {
		logging.Event(q.logger, "reply_enqueued", zap.Int64("id", id), zap.String("message_id", messageID))
	}
	return id, nil
}

// Draft stores subject and body on a pending item.
func (q *Queue) Draft(ctx context.Context, id int64, subject, body string) error {
	return q.store.UpdateReplyDraft(ctx, id, subject, body, q.now().UTC())
}

// Skip moves a pending item to skipped.
func (q *Queue) Skip(ctx context.Context, id int64, reason string) error {
	if err := q.store.TransitionReply(ctx, id, model.ReplySkipped, model.SendManual, q.now().UTC()); err != nil {
		return err
	}
	logging.Event(q.logger, "reply_skipped", zap.Int64("id", id), zap.String("reason", reason))
	return nil
}

// List returns items with status, pending when empty.
func (q *Queue) List(ctx context.Context, status model.ReplyStatus, limit int) ([]model.ReplyItem, error) {
	switch status {
	case "", model.ReplyPending, model.ReplySent, model.ReplySkipped:
	default:
		return nil, model.E(model.KindInvalidInput, "unknown reply status %q", status)
	}
	if limit <= 0 {
		limit = q.cfg.ListLimit
	}
	return q.store.ListReplies(ctx, store.ReplyFilter{Status: status, Limit: limit})
}

// Confirmed reports whether confirmation contains the gate word.
func (q *Queue) Confirmed(confirmation string) bool {
	return strings.Contains(strings.ToLower(confirmation), strings.ToLower(q.cfg.GateWord))
}

// Send delivers the draft of a pending item and marks it sent. A transport
// failure leaves the item pending.
func (q *Queue) Send(ctx context.Context, id int64, req SendRequest) (*SendResult, error) {
	if !q.Confirmed(req.Confirmation) {
		return nil, model.E(model.KindConfirmationRequired, "confirmation must contain %q", q.cfg.GateWord)
	}
	mode := req.Mode
	if mode == "" {
		mode = model.SendManual
	}

	item, err := q.pendingItem(ctx, id)
	if err != nil {
		return nil, err
	}

	if mode != model.SendAuto && q.cfg.RequirePayload && req.Payload == nil {
		if !req.Bypass {
			return nil, model.E(model.KindInvalidInput, "manual send of item %d requires a payload", id)
		}
		if !q.cfg.AllowBypass {
			return nil, model.E(model.KindInvalidInput, "payload bypass is disabled")
		}
	}

	msg, err := q.store.GetMessage(ctx, item.MessageID)
	if err != nil {
		return nil, err
	}
	source := "draft"
	to := mime.Address(msg.From)
	var from string
	if req.Payload != nil {
		p, err := ParsePayload(req.Payload)
		if err != nil {
			return nil, err
		}
		subject := p.Subject
		if subject == "" {
			subject = ReplySubject(msg.Subject)
			if item.DraftSubject != nil && strings.TrimSpace(*item.DraftSubject) != "" {
				subject = *item.DraftSubject
			}
		}
		body := payloadBody(p.Context, q.cfg.Disclosure)
		if err := q.Draft(ctx, id, subject, body); err != nil {
			return nil, err
		}
		item.DraftSubject, item.DraftBody = &subject, &body
		if p.To != "" {
			to = p.To
		}
		if p.From != "" {
			from = p.From
		}
		source = "payload"
	}

	if !item.HasDraft() {
		return nil, model.E(model.KindDraftMissing, "reply item %d has no draft", id)
	}

	acct, err := q.resolveSender(ctx, msg.AccountID)
	if err != nil {
		return nil, err
	}
	if from == "" {
		from = acct.Email
	}
	switch {
	case strings.TrimSpace(to) == "":
		return nil, model.E(model.KindInvalidInput, "reply item %d has no recipient", id)
	case strings.TrimSpace(from) == "":
		return nil, model.E(model.KindInvalidInput, "reply item %d has no sender address", id)
	}

	adapter, err := q.senders.For(*acct)
	if err != nil {
		return nil, err
	}

	out := model.OutgoingMail{
		From:     from,
		To:       []string{to},
		Subject:  *item.DraftSubject,
		Body:     *item.DraftBody,
		ThreadID: msg.ThreadID,
		Date:     q.now().UTC(),
	}
	if parent := mime.MessageIDs(mime.HeaderValue(msg.Headers, "Message-Id")); len(parent) > 0 {
		out.InReplyTo = parent[0]
		out.References = append(mime.MessageIDs(mime.HeaderValue(msg.Headers, "References")), parent[0])
	}

	q.logger.Info("reply_send_attempt",
		zap.String("event", "reply_send_attempt"),
		zap.Int64("id", id),
		zap.String("account_id", acct.ID),
		zap.String("mode", string(mode)),
		logging.Field("to", to),
	)

	receipt, err := adapter.Send(ctx, *acct, out)
	if err != nil {
		metrics.RecordReplySend(string(mode), "failed")
		return nil, model.Wrap(model.KindSendTransport, err, "sending reply item %d via %s", id, acct.ID)
	}
	if err := q.store.TransitionReply(ctx, id, model.ReplySent, mode, q.now().UTC()); err != nil {
		return nil, err
	}
	metrics.RecordReplySend(string(mode), "sent")

	result := &SendResult{
		ID:        id,
		MessageID: item.MessageID,
		AccountID: acct.ID,
		Kind:      string(acct.Kind),
		From:      from,
		To:        to,
		Subject:   out.Subject,
		Mode:      mode,
		Source:    source,
	}
	if receipt != nil {
		result.Receipt = receipt.MessageID
	}
	logging.Event(q.logger, "reply_send_success",
		zap.Int64("id", id),
		zap.String("account_id", acct.ID),
		zap.String("source", source),
	)
	return result, nil
}

// SendAll sends every pending item that has a draft, one at a time.
func (q *Queue) SendAll(ctx context.Context, req BulkRequest) (*BulkResult, error) {
	if !req.Confirm {
		return nil, model.E(model.KindConfirmationRequired, "send-all requires explicit confirmation")
	}
	if q.cfg.RequirePayload {
		if !req.Bypass {
			return nil, model.E(model.KindInvalidInput, "send-all requires bypass while payloads are required")
		}
		if !q.cfg.AllowBypass {
			return nil, model.E(model.KindInvalidInput, "payload bypass is disabled")
		}
	}

	items, err := q.store.ListReplies(ctx, store.ReplyFilter{Status: model.ReplyPending, Limit: req.Limit})
	if err != nil {
		return nil, err
	}
	logging.Event(q.logger, "send_queue_send_all_start", zap.Int("pending", len(items)))

	result := &BulkResult{Sent: []SendResult{}, Failed: []ItemFailure{}, NotReady: []int64{}}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if !item.HasDraft() {
			result.NotReady = append(result.NotReady, item.ID)
			continue
		}
		sent, err := q.Send(ctx, item.ID, SendRequest{
			Confirmation: q.cfg.GateWord,
			Mode:         model.SendManual,
			Bypass:       true,
		})
		if err != nil {
			q.logger.Warn("send_queue_send_all_item_error",
				zap.String("event", "send_queue_send_all_item_error"),
				zap.Int64("id", item.ID),
				zap.Error(err),
			)
			result.Failed = append(result.Failed, ItemFailure{ID: item.ID, Error: model.FailureOf(err)})
			continue
		}
		result.Sent = append(result.Sent, *sent)
	}

	logging.Event(q.logger, "send_queue_send_all_done",
		zap.Int("sent", len(result.Sent)),
		zap.Int("failed", len(result.Failed)),
		zap.Int("not_ready", len(result.NotReady)),
	)
	return result, nil
}

// Prepare drafts a pending item with the default hint and disclosure.
func (q *Queue) Prepare(ctx context.Context, id int64) (*Preview, error) {
	item, err := q.pendingItem(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := q.redraft(ctx, item, DraftAuto, "")
	if err != nil {
		return nil, err
	}
	logging.Event(q.logger, "reply_prepare_draft_updated", zap.Int64("id", id))
	return p, nil
}

// Compose enqueues messageID and drafts it according to mode.
func (q *Queue) Compose(ctx context.Context, messageID string, mode DraftMode, content string) (*Preview, error) {
	if mode == "" {
		mode = DraftAuto
	}
	if _, err := ParseDraftMode(string(mode)); err != nil {
		return nil, err
	}
	id, err := q.Enqueue(ctx, messageID, ComposeReason)
	if err != nil {
		return nil, err
	}
	item, err := q.pendingItem(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := q.redraft(ctx, item, mode, content)
	if err != nil {
		return nil, err
	}
	logging.Event(q.logger, "reply_compose_draft_created", zap.Int64("id", id), zap.String("mode", string(mode)))
	return p, nil
}

// Revise replaces the draft of a pending item according to mode.
func (q *Queue) Revise(ctx context.Context, id int64, mode DraftMode, content string) (*Preview, error) {
	if mode == "" {
		mode = DraftAuto
	}
	if _, err := ParseDraftMode(string(mode)); err != nil {
		return nil, err
	}
	item, err := q.pendingItem(ctx, id)
	if err != nil {
		return nil, err
	}
	return q.redraft(ctx, item, mode, content)
}

// Auto drafts pending items that lack a draft and, unless dryRun, sends
// every drafted pending item in auto mode.
func (q *Queue) Auto(ctx context.Context, dryRun bool) (*AutoResult, error) {
	items, err := q.store.ListReplies(ctx, store.ReplyFilter{Status: model.ReplyPending, Limit: autoBatch})
	if err != nil {
		return nil, err
	}

	result := &AutoResult{DryRun: dryRun, Drafted: []Preview{}, Sent: []SendResult{}, Failed: []ItemFailure{}}
	var ready []int64
	for _, item := range items {
		if !item.HasDraft() {
			p, err := q.redraft(ctx, &item, DraftAuto, "")
			if err != nil {
				result.Failed = append(result.Failed, ItemFailure{ID: item.ID, Error: model.FailureOf(err)})
				continue
			}
			result.Drafted = append(result.Drafted, *p)
		}
		ready = append(ready, item.ID)
	}

	if !dryRun {
		for _, id := range ready {
			sent, err := q.Send(ctx, id, SendRequest{
				Confirmation: q.cfg.GateWord + " (auto)",
				Mode:         model.SendAuto,
			})
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return result, err
				}
				result.Failed = append(result.Failed, ItemFailure{ID: id, Error: model.FailureOf(err)})
				continue
			}
			result.Sent = append(result.Sent, *sent)
		}
	}

	logging.Event(q.logger, "reply_auto_done",
		zap.Bool("dry_run", dryRun),
		zap.Int("drafted", len(result.Drafted)),
		zap.Int("sent", len(result.Sent)),
		zap.Int("failed", len(result.Failed)),
	)
	return result, nil
}

func (q *Queue) pendingItem(ctx context.Context, id int64) (*model.ReplyItem, error) {
	item, err := q.store.GetReply(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Status != model.ReplyPending {
		return nil, model.E(model.KindNotPending, "reply item %d is %s", id, item.Status)
	}
	return item, nil
}

func (q *Queue) redraft(ctx context.Context, item *model.ReplyItem, mode DraftMode, content string) (*Preview, error) {
	msg, err := q.store.GetMessage(ctx, item.MessageID)
	if err != nil {
		return nil, err
	}

	var d Draft
	switch mode {
	case DraftAuto:
		d = q.draft(ctx, msg, DefaultHint, q.cfg.Disclosure)
	case DraftOptimize:
		hint := strings.TrimSpace(content)
		if hint == "" {
			hint = DefaultOptimizeHint
		}
		d = q.draft(ctx, msg, hint, "")
	case DraftRaw:
		body := strings.TrimSpace(content)
		if body == "" {
			body = DefaultHint
		}
		d = Draft{Subject: ReplySubject(msg.Subject), Body: body + "\n"}
	default:
		return nil, model.E(model.KindInvalidInput, "unknown draft mode %q", mode)
	}

	if err := q.Draft(ctx, item.ID, d.Subject, d.Body); err != nil {
		return nil, err
	}

	p := &Preview{
		ID:        item.ID,
		MessageID: item.MessageID,
		To:        mime.Address(msg.From),
		Subject:   d.Subject,
		Body:      d.Body,
	}
	if acct, err := q.resolveSender(ctx, msg.AccountID); err == nil {
		p.From = acct.Email
	}
	return p, nil
}

// resolveSender picks the account a reply to a message of accountID is
// sent from: the account itself, then one of the same kind, then the
// first by SenderPriority, then any mail account.
func (q *Queue) resolveSender(ctx context.Context, accountID string) (*model.Account, error) {
	accounts, err := q.store.ListAccounts(ctx, store.AccountFilter{Capability: model.CapabilityMail})
	if err != nil {
		return nil, err
	}
	var kind model.ProviderKind
	if origin, err := q.store.GetAccount(ctx, accountID); err == nil {
		kind = origin.Kind
	} else if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	return ChooseSender(accounts, accountID, kind)
}

// ChooseSender applies the sender preference order to accounts.
func ChooseSender(accounts []model.Account, accountID string, kind model.ProviderKind) (*model.Account, error) {
	if len(accounts) == 0 {
		return nil, model.E(model.KindNotFound, "no mail account available to send from")
	}
	if i := slices.IndexFunc(accounts, func(a model.Account) bool { return a.ID == accountID }); i >= 0 {
		return &accounts[i], nil
	}
	if kind != "" {
		if i := slices.IndexFunc(accounts, func(a model.Account) bool { return a.Kind == kind }); i >= 0 {
			return &accounts[i], nil
		}
	}
	for _, k := range model.SenderPriority {
		if i := slices.IndexFunc(accounts, func(a model.Account) bool { return a.Kind == k }); i >= 0 {
			return &accounts[i], nil
		}
	}
	return &accounts[0], nil
}
