package client

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

	"github.com/aws-solutions/aws-crr-monitor/pkg/api"
	"github.com/aws-solutions/aws-crr-monitor/pkg/registration"
	"github.com/aws-solutions/aws-crr-monitor/pkg/types"
)

// APIError is a non-success response from the daemon
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("crrmon API returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the daemon
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to a running crrmon daemon over its HTTP API
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the daemon listening on addr. addr may be
// host:port or a full http(s) URL.
func NewClient(addr string) (*Client, error) {
	if addr == "" {
		return nil, errors.New("daemon address is required")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid daemon address: %w", err)
	}
	return &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// RegisterRule registers or updates a rule. A rejected rule is returned as
// a Result with Accepted false, not as an error.
func (c *Client) RegisterRule(ctx context.Context, spec registration.RuleSpec) (registration.Result, error) {
	var result registration.Result
	err := c.do(ctx, http.MethodPost, "/v1/rules", spec, &result, http.StatusOK, http.StatusUnprocessableEntity)
	return result, err
}

// DeleteRule removes a rule by id and returns the removed rule
func (c *Client) DeleteRule(ctx context.Context, id string) (*types.ReplicationRule, error) {
	var rule types.ReplicationRule
	if err := c.do(ctx, http.MethodDelete, "/v1/rules/"+url.PathEscape(id), nil, &rule, http.StatusOK); err != nil {
		return nil, err
	}
	return &rule, nil
}

// ListRules returns the daemon's rule table and its version
func (c *Client) ListRules(ctx context.Context) ([]*types.ReplicationRule, uint64, error) {
	var body struct {
		Version uint64                   `json:"version"`
		Rules   []*types.ReplicationRule `json:"rules"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/rules", nil, &body, http.StatusOK); err != nil {
		return nil, 0, err
	}
	return body.Rules, body.Version, nil
}

// SubmitEvents sends a batch of raw events
func (c *Client) SubmitEvents(ctx context.Context, batch []types.RawEvent) (api.SubmitResponse, error) {
	var resp api.SubmitResponse
	err := c.do(ctx, http.MethodPost, "/v1/events", batch, &resp, http.StatusAccepted, http.StatusBadRequest)
	return resp, err
}

// GetRecord fetches one record
func (c *Client) GetRecord(ctx context.Context, key types.RecordKey) (*types.ReplicationRecord, error) {
	var record types.ReplicationRecord
	path := "/v1/records/" + key.SourceBucket + "/" + escapeKey(key.ObjectKey) + "@" + url.PathEscape(key.Normalized().VersionID)
	if err := c.do(ctx, http.MethodGet, path, nil, &record, http.StatusOK); err != nil {
		return nil, err
	}
	return &record, nil
}

// ListOptions selects a page of records
type ListOptions struct {
	Status types.RecordStatus
	Source string
	Limit  int
	Cursor string
}

// ListRecords returns one page of records
func (c *Client) ListRecords(ctx context.Context, opts ListOptions) (api.RecordPage, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.Source != "" {
		q.Set("source", opts.Source)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}

	var page api.RecordPage
	path := "/v1/records"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	err := c.do(ctx, http.MethodGet, path, nil, &page, http.StatusOK)
	return page, err
}

// Status returns record counts and the rule table version
func (c *Client) Status(ctx context.Context) (api.StatusResponse, error) {
	var status api.StatusResponse
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, &status, http.StatusOK)
	return status, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any, okCodes ...int) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	for _, code := range okCodes {
		if resp.StatusCode == code {
			if out == nil {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			return nil
		}
	}

	var apiErr struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &apiErr) != nil || apiErr.Error == "" {
		apiErr.Error = strings.TrimSpace(string(data))
	}
	return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
}

// escapeKey escapes each segment of an object key, keeping the slashes
func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
