// Package graph ingests and sends mail through Microsoft Graph.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/nhle/mailhub/internal/credential"
	"github.com/nhle/mailhub/internal/mime"
	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/provider"
)

// Scopes requested for Microsoft accounts.
var Scopes = []string{"offline_access", "Mail.Read", "Mail.Send"}

const (
	listSelect = "id,receivedDateTime"
	getSelect  = "id,conversationId,internetMessageId,subject,from,toRecipients," +
		"receivedDateTime,bodyPreview,body,hasAttachments,internetMessageHeaders"
)

// ClientFunc builds the Graph client of an account.
type ClientFunc func(ctx context.Context, acct model.Account) (*Client, error)

// Adapter implements provider.Adapter for Microsoft accounts.
type Adapter struct {
	newClient ClientFunc
	timeout   time.Duration

	mu      sync.Mutex
	clients map[string]*Client
}

var _ provider.Adapter = (*Adapter)(nil)

// New returns an adapter. timeout bounds every API call.
func New(newClient ClientFunc, timeout time.Duration) *Adapter {
	return &Adapter{
		newClient: newClient,
		timeout:   timeout,
		clients:   make(map[string]*Client),
	}
}

// OAuthConfig returns the client registration for an account's tenant.
func OAuthConfig(clientID, clientSecret, tenant string) *oauth2.Config {
	if tenant == "" {
		tenant = "common"
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     microsoft.AzureADEndpoint(tenant),
		Scopes:       Scopes,
	}
}

// OAuthClients builds clients authorized by the account's stored token.
func OAuthClients(creds credential.Store, clientID, clientSecret string) ClientFunc {
	return func(ctx context.Context, acct model.Account) (*Client, error) {
		var tenant, endpoint string
		if m := acct.Meta.Graph; m != nil {
			tenant, endpoint = m.Tenant, m.Endpoint
		}
		ts, err := credential.TokenSource(ctx, creds, OAuthConfig(clientID, clientSecret, tenant), acct.ID)
		if err != nil {
			return nil, err
		}
		return NewClient(endpoint, oauth2.NewClient(ctx, ts)), nil
	}
}

// StaticClients returns the same HTTP client for every account.
func StaticClients(baseURL string, httpClient *http.Client) ClientFunc {
	return func(context.Context, model.Account) (*Client, error) {
		return NewClient(baseURL, httpClient), nil
	}
}

// Kind returns model.ProviderMicrosoft.
func (a *Adapter) Kind() model.ProviderKind { return model.ProviderMicrosoft }

func (a *Adapter) client(ctx context.Context, acct model.Account) (*Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[acct.ID]; ok {
		return c, nil
	}
	c, err := a.newClient(ctx, acct)
	if err != nil {
		return nil, err
	}
	a.clients[acct.ID] = c
	return c, nil
}

type listResponse struct {
	Value []struct {
		ID               string `json:"id"`
		ReceivedDateTime string `json:"receivedDateTime"`
	} `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

type emailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type itemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type message struct {
	ID                string      `json:"id"`
	ConversationID    string      `json:"conversationId"`
	InternetMessageID string      `json:"internetMessageId"`
	Subject           string      `json:"subject"`
	From              *recipient  `json:"from"`
	ToRecipients      []recipient `json:"toRecipients"`
	ReceivedDateTime  string      `json:"receivedDateTime"`
	BodyPreview       string      `json:"bodyPreview"`
	Body              itemBody    `json:"body"`
	HasAttachments    bool        `json:"hasAttachments"`
	Headers           []header    `json:"internetMessageHeaders"`
}

// ListPage lists Inbox messages received at or after since, newest first.
// The continuation token is the @odata.nextLink URL.
func (a *Adapter) ListPage(
	ctx context.Context,
	acct model.Account,
	since time.Time,
	token string,
	pageSize int,
) (*provider.Page, error) {
	c, err := a.client(ctx, acct)
	if err != nil {
		return nil, err
	}
	ctx, cancel := provider.WithTimeout(ctx, a.timeout)
	defer cancel()

	target := token
	if target == "" {
		q := url.Values{}
		q.Set("$top", fmt.Sprint(pageSize))
		q.Set("$orderby", "receivedDateTime desc")
		q.Set("$filter", "receivedDateTime ge "+since.UTC().Format(time.RFC3339))
		q.Set("$select", listSelect)
		target = "/me/mailFolders/Inbox/messages?" + q.Encode()
	}

	var resp listResponse
	if err := c.Get(ctx, target, &resp); err != nil {
		return nil, err
	}

	refs := make([]provider.ItemRef, 0, len(resp.Value))
	for _, v := range resp.Value {
		ref := provider.ItemRef{ID: v.ID}
		if ts, err := time.Parse(time.RFC3339, v.ReceivedDateTime); err == nil {
			ref.ReceivedAt = ts.UTC()
		}
		refs = append(refs, ref)
	}
	return &provider.Page{
		Refs:      provider.CapRefs(refs, pageSize),
		NextToken: resp.NextLink,
	}, nil
}

// GetFull fetches one message. The effective timestamp is
// receivedDateTime.
func (a *Adapter) GetFull(ctx context.Context, acct model.Account, ref provider.ItemRef) (*model.Message, error) {
	c, err := a.client(ctx, acct)
	if err != nil {
		return nil, err
	}
	ctx, cancel := provider.WithTimeout(ctx, a.timeout)
	defer cancel()

	var m message
	path := "/me/messages/" + url.PathEscape(ref.ID) + "?$select=" + url.QueryEscape(getSelect)
	if err := c.Get(ctx, path, &m); err != nil {
		return nil, err
	}
	return normalize(acct.ID, m)
}

func normalize(accountID string, m message) (*model.Message, error) {
	received, err := time.Parse(time.RFC3339, m.ReceivedDateTime)
	if err != nil {
		return nil, model.Wrap(model.KindTransport, err, "parsing receivedDateTime of %s", m.ID)
	}

	out := &model.Message{
		ID:             model.MessageID(accountID, m.ID),
		AccountID:      accountID,
		ProviderID:     m.ID,
		ThreadID:       m.ConversationID,
		Subject:        m.Subject,
		ReceivedAt:     received.UTC(),
		Snippet:        model.Snippet(m.BodyPreview),
		HasAttachments: m.HasAttachments,
	}
	if m.From != nil {
		out.From = formatAddress(m.From.EmailAddress)
	}
	to := make([]string, 0, len(m.ToRecipients))
	for _, r := range m.ToRecipients {
		to = append(to, formatAddress(r.EmailAddress))
	}
	out.To = strings.Join(to, ", ")

	if strings.EqualFold(m.Body.ContentType, "html") {
		out.BodyHTML = m.Body.Content
		out.BodyText = mime.HTMLToText(m.Body.Content)
	} else {
		out.BodyText = m.Body.Content
	}

	lines := make([]string, 0, len(m.Headers))
	for _, h := range m.Headers {
		lines = append(lines, h.Name+": "+h.Value)
	}
	out.Headers = strings.Join(lines, "\r\n")

	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding raw message %s: %w", m.ID, err)
	}
	out.Raw = raw
	return out, nil
}

func formatAddress(a emailAddress) string {
	if a.Name != "" && a.Name != a.Address {
		return fmt.Sprintf("%s <%s>", a.Name, a.Address)
	}
	return a.Address
}

type sendRequest struct {
	Message         sendMessage `json:"message"`
	SaveToSentItems bool        `json:"saveToSentItems"`
}

type sendMessage struct {
	Subject      string      `json:"subject"`
	Body         itemBody    `json:"body"`
	ToRecipients []recipient `json:"toRecipients"`
	Headers      []header    `json:"internetMessageHeaders,omitempty"`
}

// Send delivers out through /me/sendMail, saving a copy to Sent Items.
func (a *Adapter) Send(ctx context.Context, acct model.Account, out model.OutgoingMail) (*model.SendReceipt, error) {
	if len(out.To) == 0 {
		return nil, model.E(model.KindInvalidInput, "no recipients")
	}
	c, err := a.client(ctx, acct)
	if err != nil {
		return nil, err
	}
	ctx, cancel := provider.WithTimeout(ctx, a.timeout)
	defer cancel()

	msg := sendMessage{
		Subject: out.Subject,
		Body:    itemBody{ContentType: "Text", Content: out.Body},
	}
	for _, rcpt := range out.To {
		msg.ToRecipients = append(msg.ToRecipients, recipient{
			EmailAddress: emailAddress{Address: mime.Address(rcpt)},
		})
	}
	if out.InReplyTo != "" {
		// Graph only accepts custom x- headers on send.
		msg.Headers = []header{{Name: "x-mailhub-in-reply-to", Value: "<" + out.InReplyTo + ">"}}
	}

	if err := c.Post(ctx, "/me/sendMail", sendRequest{Message: msg, SaveToSentItems: true}, nil); err != nil {
		return nil, err
	}
	return &model.SendReceipt{}, nil
}
