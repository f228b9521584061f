package tracelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Traceline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Batch represents the API batch model.
type Batch struct {
	ID             string   `json:"id"`
	Commodity      string   `json:"commodity"`
	Variety        string   `json:"variety,omitempty"`
	Quantity       float64  `json:"quantity"`
	Unit           string   `json:"unit"`
	Origin         string   `json:"origin,omitempty"`
	HarvestDate    string   `json:"harvest_date,omitempty"`
	Notes          string   `json:"notes,omitempty"`
	Certifications []string `json:"certifications,omitempty"`
	Custodian      string   `json:"custodian"`
	Status         string   `json:"status"`
	CreatedAt      string   `json:"created_at"`
	QRPayload      string   `json:"qr_payload,omitempty"`
}

// Event represents one link in a batch's custody chain.
type Event struct {
	BatchID    string `json:"batch_id"`
	Seq        int64  `json:"seq"`
	Kind       string `json:"kind"`
	ActorID    string `json:"actor_id"`
	Location   string `json:"location,omitempty"`
	Payload    string `json:"payload_json,omitempty"`
	TS         string `json:"ts"`
	Digest     string `json:"digest"`
	PrevDigest string `json:"prev_digest"`
}

// Verification reports the outcome of a chain check.
type Verification struct {
	BatchID   string `json:"batch_id"`
	Valid     bool   `json:"valid"`
	Events    int64  `json:"events"`
	FailedSeq *int64 `json:"failed_seq,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// TraceView is the consumer-facing answer to a trace lookup.
type TraceView struct {
	Batch        Batch        `json:"batch"`
	Events       []Event      `json:"events"`
	Verification Verification `json:"verification"`
}

// TransferConditions are optional handling terms attached to a transfer.
type TransferConditions struct {
	Destination      string  `json:"destination,omitempty"`
	DestinationType  string  `json:"destination_type,omitempty"`
	TemperatureC     *string `json:"temperature_c,omitempty"`
	ExpectedDelivery string  `json:"expected_delivery,omitempty"`
	Notes            string  `json:"notes,omitempty"`
}

// RegisterBatchInput are parameters for RegisterBatch.
type RegisterBatchInput struct {
	ID             string   `json:"id,omitempty"`
	Commodity      string   `json:"commodity"`
	Variety        string   `json:"variety,omitempty"`
	Quantity       float64  `json:"quantity"`
	Unit           string   `json:"unit,omitempty"`
	Origin         string   `json:"origin,omitempty"`
	HarvestDate    string   `json:"harvest_date,omitempty"`
	Notes          string   `json:"notes,omitempty"`
	Certifications []string `json:"certifications,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedBatches wraps list responses with cursors.
type PaginatedBatches struct {
	Items      []Batch `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// RegisterBatch registers a new batch; the caller becomes its custodian.
func (c *Client) RegisterBatch(ctx context.Context, input RegisterBatchInput) (Batch, error) {
	var resp Batch
	err := c.do(ctx, http.MethodPost, "v0/batches", input, &resp)
	return resp, err
}

// GetBatch fetches a single batch.
func (c *Client) GetBatch(ctx context.Context, batchID string) (Batch, error) {
	var resp Batch
	err := c.do(ctx, http.MethodGet, c.batchPath(batchID, ""), nil, &resp)
	return resp, err
}

// ListBatches returns a page of batches.
func (c *Client) ListBatches(ctx context.Context, status, custodian string, limit int, cursor string) (PaginatedBatches, error) {
	endpoint := "v0/batches"
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if custodian != "" {
		params.Set("custodian", custodian)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedBatches
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// History returns a batch's custody events in sequence order.
func (c *Client) History(ctx context.Context, batchID string) ([]Event, error) {
	var resp []Event
	err := c.do(ctx, http.MethodGet, c.batchPath(batchID, "events"), nil, &resp)
	return resp, err
}

// Transfer hands the batch to another actor.
func (c *Client) Transfer(ctx context.Context, batchID, toActor string, conditions *TransferConditions) (Event, error) {
	body := map[string]any{"to_actor": toActor}
	if conditions != nil {
		body["conditions"] = conditions
	}
	var resp Event
	err := c.do(ctx, http.MethodPost, c.batchPath(batchID, "transfer"), body, &resp)
	return resp, err
}

// Acknowledge confirms receipt of an in-transit batch.
func (c *Client) Acknowledge(ctx context.Context, batchID, location string) (Event, error) {
	body := map[string]any{}
	if location != "" {
		body["location"] = location
	}
	var resp Event
	err := c.do(ctx, http.MethodPost, c.batchPath(batchID, "acknowledge"), body, &resp)
	return resp, err
}

// Close finalizes a delivered batch.
func (c *Client) Close(ctx context.Context, batchID string) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodPost, c.batchPath(batchID, "close"), map[string]any{}, &resp)
	return resp, err
}

// RecordTest appends a tested event with arbitrary result data.
func (c *Client) RecordTest(ctx context.Context, batchID, location string, results map[string]any) (Event, error) {
	body := map[string]any{}
	if location != "" {
		body["location"] = location
	}
	if results != nil {
		body["results"] = results
	}
	var resp Event
	err := c.do(ctx, http.MethodPost, c.batchPath(batchID, "tests"), body, &resp)
	return resp, err
}

// Verify recomputes the batch hash chain server-side.
func (c *Client) Verify(ctx context.Context, batchID string) (Verification, error) {
	var resp Verification
	err := c.do(ctx, http.MethodGet, c.batchPath(batchID, "verify"), nil, &resp)
	return resp, err
}

// QRPayload returns the string to encode in a batch's QR symbol.
func (c *Client) QRPayload(ctx context.Context, batchID string) (string, error) {
	var resp struct {
		Payload string `json:"payload"`
	}
	err := c.do(ctx, http.MethodGet, c.batchPath(batchID, "qr"), nil, &resp)
	return resp.Payload, err
}

// Trace resolves a batch id or scanned QR payload. No auth required.
func (c *Client) Trace(ctx context.Context, ref string) (TraceView, error) {
	endpoint := "v0/trace?ref=" + url.QueryEscape(ref)
	var resp TraceView
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) batchPath(batchID, p string) string {
	escaped := url.PathEscape(batchID)
	if p == "" {
		return fmt.Sprintf("v0/batches/%s", escaped)
	}
	return fmt.Sprintf("v0/batches/%s/%s", escaped, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
