// Package triage tags a day's messages and queues those needing a reply.
package triage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/mailhub/internal/logging"
	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/rules"
	"github.com/nhle/mailhub/internal/store"
)

// overviewExamples caps the subjects quoted per tag in an overview.
const overviewExamples = 5

// Tags excluded from suggestions.
var unsuggested = map[string]bool{"spam": true, "ads": true}

// Store is the persistence triage needs.
type Store interface {
	store.MessageStore
	store.ReplyStore
}

// ReplyNeeded is one message queued for a reply.
type ReplyNeeded struct {
	QueueID   int64  `json:"queue_id"`
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	Subject   string `json:"subject"`
	Why       string `json:"why"`
}

// Report is the outcome of triaging one day.
type Report struct {
	Day         string            `json:"day"`
	Total       int               `json:"total"`
	TagCounts   []model.TagCount  `json:"tag_counts"`
	Overview    map[string]string `json:"overview"`
	ReplyNeeded []ReplyNeeded     `json:"reply_needed"`
}

// Suggestion is a message worth reading.
type Suggestion struct {
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	Subject   string `json:"subject"`
	Tag       string `json:"tag"`
}

// Triager runs rules over stored messages.
type Triager struct {
	store        Store
	rules        rules.Evaluator
	replyLimit   int
	suggestLimit int
	logger       *zap.Logger
	now          func() time.Time
}

// New returns a Triager. The limits cap report and suggestion lengths.
func New(s Store, ev rules.Evaluator, cfg model.MailConfig, logger *zap.Logger) *Triager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Triager{
		store:        s,
		rules:        ev,
		replyLimit:   cfg.ReplyNeededMaxItems,
		suggestLimit: cfg.SuggestMaxItems,
		logger:       logger,
		now:          time.Now,
	}
}

// ResolveDay maps "today" and "" to the current UTC day and validates
// anything else as YYYY-MM-DD.
func ResolveDay(day string, now time.Time) (string, error) {
	if day == "" || strings.EqualFold(day, "today") {
		return now.UTC().Format(model.DayLayout), nil
	}
	if _, err := time.Parse(model.DayLayout, day); err != nil {
		return "", model.E(model.KindInvalidInput, "invalid day %q, want YYYY-MM-DD", day)
	}
	return day, nil
}

// Day tags every message received on day and enqueues the ones needing a
// reply. Running it again is harmless.
func (t *Triager) Day(ctx context.Context, day string) (*Report, error) {
	day, err := ResolveDay(day, t.now())
	if err != nil {
		return nil, err
	}
	msgs, err := t.store.ListMessages(ctx, store.MessageFilter{Day: day})
	if err != nil {
		return nil, err
	}

	report := &Report{Day: day, Total: len(msgs), ReplyNeeded: []ReplyNeeded{}}
	buckets := make(map[string][]string)
	var order []string

	for _, m := range msgs {
		c := t.rules.Classify(m)
		err := t.store.SetMessageTag(ctx, model.MessageTag{
			MessageID: m.ID,
			Tag:       c.Tag,
			Score:     c.Confidence,
			Reason:    c.Reason,
		})
		if err != nil {
			return nil, err
		}
		if _, ok := buckets[c.Tag]; !ok {
			order = append(order, c.Tag)
		}
		buckets[c.Tag] = append(buckets[c.Tag], m.Subject)

		need, why := t.rules.NeedsReply(m)
		if !need {
			continue
		}
		id, created, err := t.store.EnqueueReply(ctx, m.ID, why, t.now())
		if err != nil {
			return nil, err
		}
		if created {
			logging.Event(t.logger, "reply_enqueued", zap.Int64("queue_id", id), zap.String("message_id", m.ID))
		}
		if t.replyLimit <= 0 || len(report.ReplyNeeded) < t.replyLimit {
			report.ReplyNeeded = append(report.ReplyNeeded, ReplyNeeded{
				QueueID:   id,
				MessageID: m.ID,
				From:      m.From,
				Subject:   m.Subject,
				Why:       why,
			})
		}
	}

	counts, err := t.store.TagCountsForDay(ctx, day)
	if err != nil {
		return nil, err
	}
	report.TagCounts = counts
	report.Overview = overview(order, buckets)

	logging.Event(t.logger, "triage_day_done",
		zap.String("day", day),
		zap.Int("total", report.Total),
		zap.Int("reply_needed", len(report.ReplyNeeded)),
	)
	return report, nil
}

func overview(order []string, buckets map[string][]string) map[string]string {
	out := make(map[string]string, len(buckets))
	for _, tag := range order {
		subjects := buckets[tag]
		var examples []string
		for _, s := range subjects {
			if s == "" {
				continue
			}
			examples = append(examples, s)
			if len(examples) == overviewExamples {
				break
			}
		}
		if len(examples) == 0 {
			out[tag] = fmt.Sprintf("%d items.", len(subjects))
			continue
		}
		out[tag] = fmt.Sprintf("%d items. Examples: %s", len(subjects), strings.Join(examples, "; "))
	}
	return out
}

// Suggest triages day and lists its messages not tagged spam or ads.
func (t *Triager) Suggest(ctx context.Context, day string) ([]Suggestion, error) {
	report, err := t.Day(ctx, day)
	if err != nil {
		return nil, err
	}
	msgs, err := t.store.ListMessages(ctx, store.MessageFilter{Day: report.Day})
	if err != nil {
		return nil, err
	}

	out := []Suggestion{}
	for _, m := range msgs {
		tags, err := t.store.GetMessageTags(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		tag := rules.DefaultTag
		if len(tags) > 0 {
			tag = tags[0].Tag
		}
		if unsuggested[tag] {
			continue
		}
		out = append(out, Suggestion{MessageID: m.ID, From: m.From, Subject: m.Subject, Tag: tag})
		if t.suggestLimit > 0 && len(out) == t.suggestLimit {
			break
		}
	}
	return out, nil
}
