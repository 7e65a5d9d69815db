// Package erp reads and updates consultation data in the ERP's OData endpoint.
package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spec-kit/consultation-sync/internal/retry"
)

// TransportError is returned once the retry budget for a request is spent.
type TransportError struct {
	Attempts   int
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("erp transport: status %d after %d attempts", e.StatusCode, e.Attempts)
	}
	return fmt.Sprintf("erp transport: %v after %d attempts", e.Err, e.Attempts)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError is a non-retryable HTTP failure.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("erp: status %d: %s", e.StatusCode, e.Body)
}

// IsTransport reports whether err is an exhausted-retries failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ClientOptions configures Client.
type ClientOptions struct {
	BaseURL     string
	Username    string
	Password    string
	TenantField string
	TenantKey   string
	HTTPClient  *http.Client
	Policy      retry.Policy
	// Location is the zone document dates are written in. Defaults to UTC.
	Location *time.Location
}

// Client talks to the ERP OData service.
type Client struct {
	baseURL     string
	username    string
	password    string
	tenantField string
	tenantKey   string
	http        *http.Client
	policy      retry.Policy
	loc         *time.Location
}

// NewClient builds a client.
func NewClient(opts ClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	tenantField := opts.TenantField
	if tenantField == "" {
		tenantField = "Parent_Key"
	}
	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		username:    opts.Username,
		password:    opts.Password,
		tenantField: tenantField,
		tenantKey:   opts.TenantKey,
		http:        httpClient,
		policy:      opts.Policy.WithDefaults(),
		loc:         zoneOrUTC(opts.Location),
	}
}

// TenantFilter restricts a query to the configured tenant, or returns "" when none is set.
func (c *Client) TenantFilter() string {
	if c.tenantKey == "" {
		return ""
	}
	return fmt.Sprintf("%s eq guid'%s'", c.tenantField, c.tenantKey)
}

// PageQuery selects one page of an entity set.
type PageQuery struct {
	Entity  string
	Filter  string
	OrderBy string
	Top     int
	Skip    int
}

// Page is one page of raw records.
type Page struct {
	Records []json.RawMessage `json:"value"`
}

// FetchPage reads one page of records.
func (c *Client) FetchPage(ctx context.Context, q PageQuery) (Page, error) {
	params := []string{"$format=json"}
	if q.Filter != "" {
		params = append(params, "$filter="+escape(q.Filter))
	}
	if q.OrderBy != "" {
		params = append(params, "$orderby="+escape(q.OrderBy))
	}
	if q.Top > 0 {
		params = append(params, "$top="+strconv.Itoa(q.Top))
	}
	if q.Skip > 0 {
		params = append(params, "$skip="+strconv.Itoa(q.Skip))
	}
	endpoint := c.baseURL + "/" + escapePath(q.Entity) + "?" + strings.Join(params, "&")

	body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Page{}, err
	}
	var page Page
	if err := json.Unmarshal(body, &page); err != nil {
		return Page{}, fmt.Errorf("erp %s: decode page: %w", q.Entity, err)
	}
	return page, nil
}

// ConsultationPatch carries the fields written back to a consultation document.
type ConsultationPatch struct {
	Kind        string
	ManagerKey  string
	ScheduledAt *time.Time
	EndAt       *time.Time
}

func (p ConsultationPatch) body(loc *time.Location) map[string]any {
	out := map[string]any{}
	if p.Kind != "" {
		out["ВидОбращения"] = p.Kind
	}
	if p.ManagerKey != "" {
		out["Менеджер_Key"] = p.ManagerKey
	}
	if p.ScheduledAt != nil {
		out["ДатаКонсультации"] = FormatTime(*p.ScheduledAt, loc)
	}
	if p.EndAt != nil {
		out["Конец"] = FormatTime(*p.EndAt, loc)
	}
	return out
}

// PatchConsultation writes changed fields back to the consultation document refKey.
func (c *Client) PatchConsultation(ctx context.Context, refKey string, patch ConsultationPatch) error {
	payload, err := json.Marshal(patch.body(c.loc))
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/%s(guid'%s')?$format=json", c.baseURL, escapePath(EntityConsultations), refKey)
	_, err = c.do(ctx, http.MethodPatch, endpoint, payload)
	return err
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	var body []byte
	attempts, err := c.policy.Do(ctx, func(ctx context.Context) error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return err
		}
		req.SetBasicAuth(c.username, c.password)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return retry.Transient(&TransportError{Err: err}, 0)
		}
		raw, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			body = raw
			return readErr
		}
		if !retry.Retryable(resp.StatusCode) {
			return &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 512)}
		}
		return retry.Transient(&TransportError{StatusCode: resp.StatusCode, Err: errors.New(resp.Status)},
			retry.ParseRetryAfter(resp.Header.Get("Retry-After")))
	})
	var te *TransportError
	if errors.As(err, &te) {
		te.Attempts = attempts
	}
	return body, err
}

func escape(v string) string {
	return strings.ReplaceAll(url.QueryEscape(v), "+", "%20")
}

func escapePath(v string) string {
	return url.PathEscape(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
