// Package gmail ingests and sends mail through the Gmail API.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/nhle/mailhub/internal/credential"
	"github.com/nhle/mailhub/internal/mime"
	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/provider"
)

// sinceSkew widens the after: query to absorb clock drift.
const sinceSkew = 120

// Scopes requested for Gmail accounts.
var Scopes = []string{gmailv1.GmailReadonlyScope, gmailv1.GmailSendScope}

// ServiceFunc builds the Gmail service of an account.
type ServiceFunc func(ctx context.Context, acct model.Account) (*gmailv1.Service, error)

// Adapter implements provider.Adapter for Google accounts.
type Adapter struct {
	newService ServiceFunc
	timeout    time.Duration

	mu       sync.Mutex
	services map[string]*gmailv1.Service
}

var _ provider.Adapter = (*Adapter)(nil)

// New returns an adapter. timeout bounds every API call.
func New(newService ServiceFunc, timeout time.Duration) *Adapter {
	return &Adapter{
		newService: newService,
		timeout:    timeout,
		services:   make(map[string]*gmailv1.Service),
	}
}

// OAuthServices builds services authorized by the account's stored token.
func OAuthServices(creds credential.Store, conf *oauth2.Config) ServiceFunc {
	return func(ctx context.Context, acct model.Account) (*gmailv1.Service, error) {
		ts, err := credential.TokenSource(ctx, creds, conf, acct.ID)
		if err != nil {
			return nil, err
		}
		opts := []option.ClientOption{option.WithTokenSource(ts)}
		if m := acct.Meta.Gmail; m != nil && m.Endpoint != "" {
			opts = append(opts, option.WithEndpoint(m.Endpoint))
		}
		svc, err := gmailv1.NewService(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating gmail service: %w", err)
		}
		return svc, nil
	}
}

// Kind returns model.ProviderGoogle.
func (a *Adapter) Kind() model.ProviderKind { return model.ProviderGoogle }

func (a *Adapter) service(ctx context.Context, acct model.Account) (*gmailv1.Service, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if svc, ok := a.services[acct.ID]; ok {
		return svc, nil
	}
	svc, err := a.newService(ctx, acct)
	if err != nil {
		return nil, err
	}
	a.services[acct.ID] = svc
	return svc, nil
}

func userID(acct model.Account) string {
	if m := acct.Meta.Gmail; m != nil && m.UserID != "" {
		return m.UserID
	}
	return "me"
}

// ListPage lists message ids received after since.
func (a *Adapter) ListPage(
	ctx context.Context,
	acct model.Account,
	since time.Time,
	token string,
	pageSize int,
) (*provider.Page, error) {
	svc, err := a.service(ctx, acct)
	if err != nil {
		return nil, err
	}
	ctx, cancel := provider.WithTimeout(ctx, a.timeout)
	defer cancel()

	call := svc.Users.Messages.List(userID(acct)).
		Q(fmt.Sprintf("after:%d", since.Unix()-sinceSkew)).
		MaxResults(int64(pageSize)).
		Context(ctx)
	if token != "" {
		call = call.PageToken(token)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, classify(err, "listing messages of %s", acct.ID)
	}

	refs := make([]provider.ItemRef, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		refs = append(refs, provider.ItemRef{ID: m.Id})
	}
	return &provider.Page{
		Refs:      provider.CapRefs(refs, pageSize),
		NextToken: resp.NextPageToken,
	}, nil
}

// GetFull fetches a message in full format. The effective timestamp is
// internalDate.
func (a *Adapter) GetFull(ctx context.Context, acct model.Account, ref provider.ItemRef) (*model.Message, error) {
	svc, err := a.service(ctx, acct)
	if err != nil {
		return nil, err
	}
	ctx, cancel := provider.WithTimeout(ctx, a.timeout)
	defer cancel()

	msg, err := svc.Users.Messages.Get(userID(acct), ref.ID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, classify(err, "getting message %s of %s", ref.ID, acct.ID)
	}
	return normalize(acct.ID, msg)
}

func normalize(accountID string, msg *gmailv1.Message) (*model.Message, error) {
	out := &model.Message{
		ID:         model.MessageID(accountID, msg.Id),
		AccountID:  accountID,
		ProviderID: msg.Id,
		ThreadID:   msg.ThreadId,
		ReceivedAt: time.UnixMilli(msg.InternalDate).UTC(),
		Snippet:    msg.Snippet,
	}

	var headers strings.Builder
	if p := msg.Payload; p != nil {
		for _, h := range p.Headers {
			fmt.Fprintf(&headers, "%s: %s\r\n", h.Name, h.Value)
			switch strings.ToLower(h.Name) {
			case "from":
				out.From = h.Value
			case "to":
				out.To = h.Value
			case "subject":
				out.Subject = h.Value
			}
		}
		out.BodyText = extractPlainText(p)
		out.BodyHTML = extractHTML(p)
		out.HasAttachments = hasAttachment(p)
	}
	out.Headers = strings.TrimRight(headers.String(), "\r\n")

	if out.BodyText == "" && out.BodyHTML != "" {
		out.BodyText = mime.HTMLToText(out.BodyHTML)
	}
	if out.Snippet == "" {
		out.Snippet = model.Snippet(out.BodyText)
	}

	raw, err := msg.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encoding raw message %s: %w", msg.Id, err)
	}
	out.Raw = raw
	return out, nil
}

// Send delivers out through users.messages.send.
func (a *Adapter) Send(ctx context.Context, acct model.Account, out model.OutgoingMail) (*model.SendReceipt, error) {
	if out.From == "" {
		out.From = acct.Email
	}
	raw, id, err := mime.Compose(out)
	if err != nil {
		return nil, err
	}
	svc, err := a.service(ctx, acct)
	if err != nil {
		return nil, err
	}
	ctx, cancel := provider.WithTimeout(ctx, a.timeout)
	defer cancel()

	sent, err := svc.Users.Messages.Send(userID(acct), &gmailv1.Message{
		Raw:      base64.URLEncoding.EncodeToString(raw),
		ThreadId: out.ThreadID,
	}).Context(ctx).Do()
	if err != nil {
		return nil, classify(err, "sending from %s", acct.ID)
	}
	return &model.SendReceipt{ProviderID: sent.Id, MessageID: id}, nil
}

// classify maps Gmail API failures onto the error taxonomy.
func classify(err error, format string, args ...any) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		reason := ""
		for _, item := range gerr.Errors {
			reason = item.Reason
			if provider.IsQuotaReason(reason) {
				break
			}
		}
		return provider.ClassifyStatus(gerr.Code, reason, gerr.Header, format, args...)
	}
	var oerr *oauth2.RetrieveError
	if errors.As(err, &oerr) {
		return model.Wrap(model.KindAuth, err, format, args...)
	}
	var merr *model.Error
	if errors.As(err, &merr) {
		return err
	}
	return model.Wrap(model.KindTransport, err, format, args...)
}
