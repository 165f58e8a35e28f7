package cargosuresdk

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

// Client is a minimal CargoSure HTTP API client. Set BearerToken for user
// calls or APIKey for a device gateway pushing telemetry.
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

// EscrowParams are the inputs to CreateEscrow.
type EscrowParams struct {
	Premium       float64 `json:"premium"`
	Payout        float64 `json:"payout"`
	Condition     int     `json:"condition"`
	Destination   string  `json:"destination"`
	ReturnAddress string  `json:"return_address"`
	CustomerSeed  string  `json:"customer_seed"`
	ShipmentName  string  `json:"shipment_name"`
	DeviceID      string  `json:"device_id"`
}

// ShipmentSummary is one entry of the Shipments listing.
type ShipmentSummary struct {
	ShipmentName   string `json:"shipment_name"`
	DeviceID       string `json:"device_id"`
	ClaimStatus    string `json:"claim_status"`
	EscrowSequence uint32 `json:"escrow_sequence"`
}

// Reading is a sensor sample pushed by a device gateway.
type Reading struct {
	Timestamp string  `json:"timestamp,omitempty"`
	Shock     float64 `json:"shock"`
	Temp      float64 `json:"temp"`
	Humidity  float64 `json:"hum"`
	Lat       float64 `json:"lat,omitempty"`
	Lng       float64 `json:"lng,omitempty"`
}

// Snapshot is the latest sensor state for a shipment.
type Snapshot struct {
	Events struct {
		Temp  float64 `json:"temp"`
		Hum   float64 `json:"hum"`
		Shock float64 `json:"shock"`
	} `json:"events"`
	Location struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	} `json:"location"`
	Timestamp   string `json:"timestamp"`
	ClaimStatus string `json:"claim_status"`
}

// ClaimOutcome is the result of an evaluation pass.
type ClaimOutcome struct {
	ClaimStatus string `json:"claim_status"`
	Dimension   string `json:"dimension,omitempty"`
	TxHash      string `json:"tx_hash,omitempty"`
}

// UserInfo holds the caller's ledger account defaults.
type UserInfo struct {
	UserID        string `json:"user_id"`
	Account       string `json:"account"`
	ReturnAddress string `json:"return_address"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateEscrow opens a shipment with its escrow and returns the shipment id.
func (c *Client) CreateEscrow(ctx context.Context, p EscrowParams) (string, error) {
	var resp struct {
		ShipmentID string `json:"shipment_id"`
	}
	err := c.do(ctx, http.MethodPost, "v0/create_escrow", p, &resp)
	return resp.ShipmentID, err
}

// Shipments lists the caller's shipments keyed by id.
func (c *Client) Shipments(ctx context.Context) (map[string]ShipmentSummary, error) {
	var resp map[string]ShipmentSummary
	err := c.do(ctx, http.MethodGet, "v0/shipments", nil, &resp)
	return resp, err
}

// ShipmentEvents returns the latest sensor snapshot for a shipment.
func (c *Client) ShipmentEvents(ctx context.Context, shipmentID string) (Snapshot, error) {
	var resp Snapshot
	endpoint := fmt.Sprintf("v0/shipment/%s/events", url.PathEscape(shipmentID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AppendTelemetry pushes one sensor reading for a shipment.
func (c *Client) AppendTelemetry(ctx context.Context, shipmentID string, r Reading) error {
	endpoint := fmt.Sprintf("v0/shipment/%s/telemetry", url.PathEscape(shipmentID))
	return c.do(ctx, http.MethodPost, endpoint, r, nil)
}

// Evaluate triggers one claim evaluation pass.
func (c *Client) Evaluate(ctx context.Context, shipmentID string) (ClaimOutcome, error) {
	var resp ClaimOutcome
	endpoint := fmt.Sprintf("v0/evaluate/%s", url.PathEscape(shipmentID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// InitUserDefaults bootstraps the caller's ledger account defaults.
func (c *Client) InitUserDefaults(ctx context.Context, account, returnAddress string) (UserInfo, error) {
	body := map[string]any{}
	if account != "" {
		body["account"] = account
	}
	if returnAddress != "" {
		body["return_address"] = returnAddress
	}
	var resp UserInfo
	err := c.do(ctx, http.MethodPost, "v0/init_user_defaults", body, &resp)
	return resp, err
}

// UserInfo fetches the caller's account defaults.
func (c *Client) UserInfo(ctx context.Context) (UserInfo, error) {
	var resp UserInfo
	err := c.do(ctx, http.MethodGet, "v0/user_info", nil, &resp)
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
