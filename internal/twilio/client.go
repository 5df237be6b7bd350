// Package twilio wraps the Twilio Go SDK for the calls the relay makes:
// sending SMS and writing Sync map items.
package twilio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	twiliosdk "github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	apiv2010 "github.com/twilio/twilio-go/rest/api/v2010"
	syncv1 "github.com/twilio/twilio-go/rest/sync/v1"
)

// Base URLs the SDK calls.
const (
	DefaultAPIURL  = "https://api.twilio.com/2010-04-01"
	DefaultSyncURL = "https://sync.twilio.com/v1"
)

const requestTimeout = 10 * time.Second

// ErrNotFound is returned when Twilio answers 404.
var ErrNotFound = errors.New("twilio: resource not found")

// APIError is an error response from the Twilio REST API.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
	MoreInfo   string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("twilio: status %d, code %d: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("twilio: status %d", e.StatusCode)
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && (e.StatusCode == http.StatusNotFound || e.Code == 20404)
}

// fromSDK converts the SDK's REST error into an *APIError.
func fromSDK(err error) error {
	var rest *twclient.TwilioRestError
	if errors.As(err, &rest) {
		return &APIError{StatusCode: rest.Status, Code: rest.Code, Message: rest.Message, MoreInfo: rest.MoreInfo}
	}
	return err
}

// Config holds Twilio credentials and endpoints.
type Config struct {
	AccountSID string
	AuthToken  string
	APIURL     string // replaces DefaultAPIURL when set
	SyncURL    string // replaces DefaultSyncURL when set
}

// Client sends SMS and writes Sync map items through the Twilio SDK.
type Client struct {
	rest   *twiliosdk.RestClient
	logger *slog.Logger
}

// NewClient creates a Twilio client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	httpClient := &http.Client{
		Timeout: requestTimeout,
		Transport: &rebaseTransport{
			rules: rebaseRules(cfg),
			next:  http.DefaultTransport,
		},
	}
	sdkClient := &twclient.Client{
		Credentials: twclient.NewCredentials(cfg.AccountSID, cfg.AuthToken),
		HTTPClient:  httpClient,
	}
	sdkClient.SetAccountSid(cfg.AccountSID)

	return &Client{
		rest:   twiliosdk.NewRestClientWithParams(twiliosdk.ClientParams{Client: sdkClient}),
		logger: logger.With("subsystem", "twilio"),
	}
}

// Message is the subset of a Message resource the relay reads.
type Message struct {
	SID string
	To  string
}

// SendSMS sends body from one number to another. The SDK takes no context;
// ctx is checked before the request, which the HTTP timeout bounds.
func (c *Client) SendSMS(ctx context.Context, from, to, body string) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	params := &apiv2010.CreateMessageParams{}
	params.SetFrom(from)
	params.SetTo(to)
	params.SetBody(body)

	resp, err := c.rest.Api.CreateMessage(params)
	if err != nil {
		return nil, fmt.Errorf("sending sms to %s: %w", to, fromSDK(err))
	}

	msg := &Message{SID: deref(resp.Sid), To: deref(resp.To)}
	c.logger.Debug("sms sent", "sid", msg.SID, "to", to)
	return msg, nil
}

// MapItem locates a Sync map item.
type MapItem struct {
	Service string
	Map     string
	Key     string
}

func (m MapItem) String() string {
	return m.Service + "/" + m.Map + "/" + m.Key
}

// UpdateMapItem replaces the data of an existing map item. It returns an
// error matching ErrNotFound if the item does not exist.
func (c *Client) UpdateMapItem(ctx context.Context, item MapItem, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &syncv1.UpdateSyncMapItemParams{}
	params.SetData(data)
	if _, err := c.rest.SyncV1.UpdateSyncMapItem(item.Service, item.Map, item.Key, params); err != nil {
		return fmt.Errorf("updating sync item %s: %w", item, fromSDK(err))
	}
	return nil
}

// CreateMapItem creates a map item.
func (c *Client) CreateMapItem(ctx context.Context, item MapItem, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &syncv1.CreateSyncMapItemParams{}
	params.SetKey(item.Key)
	params.SetData(data)
	if _, err := c.rest.SyncV1.CreateSyncMapItem(item.Service, item.Map, params); err != nil {
		return fmt.Errorf("creating sync item %s: %w", item, fromSDK(err))
	}
	return nil
}

// UpsertMapItem updates item, creating it if it does not exist yet.
func (c *Client) UpsertMapItem(ctx context.Context, item MapItem, data any) error {
	err := c.UpdateMapItem(ctx, item, data)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return err
	}
	c.logger.Info("sync item missing, creating it", "item", item.String())
	return c.CreateMapItem(ctx, item, data)
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

type rebaseRule struct {
	from, to string
}

func rebaseRules(cfg Config) []rebaseRule {
	var rules []rebaseRule
	if u := strings.TrimRight(cfg.APIURL, "/"); u != "" && u != DefaultAPIURL {
		rules = append(rules, rebaseRule{DefaultAPIURL, u})
	}
	if u := strings.TrimRight(cfg.SyncURL, "/"); u != "" && u != DefaultSyncURL {
		rules = append(rules, rebaseRule{DefaultSyncURL, u})
	}
	return rules
}

// rebaseTransport points SDK requests at configured base URLs, for
// regional edges, proxies and test servers.
type rebaseTransport struct {
	rules []rebaseRule
	next  http.RoundTripper
}

func (t *rebaseTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	raw := req.URL.String()
	for _, r := range t.rules {
		if !strings.HasPrefix(raw, r.from) {
			continue
		}
		out := req.Clone(req.Context())
		u, err := req.URL.Parse(r.to + strings.TrimPrefix(raw, r.from))
		if err != nil {
			return nil, fmt.Errorf("rebasing %s: %w", raw, err)
		}
		out.URL = u
		out.Host = u.Host
		return t.next.RoundTrip(out)
	}
	return t.next.RoundTrip(req)
}
