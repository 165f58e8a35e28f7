package ledger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client talks JSON-RPC to an XRPL-style node. The platform account owns
// every payout escrow; a sha256 preimage crypto-condition gates release.
type Client struct {
	NodeURL         string
	PlatformAccount string
	PlatformSeed    string
	Preimage        string
	HTTPClient      *http.Client
	Timeout         time.Duration
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

type rpcRequest struct {
	Method string           `json:"method"`
	Params []map[string]any `json:"params"`
}

type rpcResult struct {
	Result struct {
		EngineResult string `json:"engine_result"`
		Hash         string `json:"hash"`
		TxJSON       struct {
			Sequence uint32 `json:"Sequence"`
		} `json:"tx_json"`
	} `json:"result"`
}

func (c *Client) submit(ctx context.Context, tx map[string]any) (rpcResult, error) {
	var out rpcResult
	body, err := json.Marshal(rpcRequest{Method: "submit", Params: []map[string]any{{
		"tx_json": tx,
		"secret":  c.PlatformSeed,
	}}})
	if err != nil {
		return out, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.NodeURL, bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.httpClient().Do(req)
	if err != nil {
		return out, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
		return out, fmt.Errorf("%w: node returned %d", ErrUnavailable, res.StatusCode)
	}
	if res.StatusCode != http.StatusOK {
		return out, fmt.Errorf("%w: node returned %d", ErrRejected, res.StatusCode)
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("%w: decode response: %w", ErrUnavailable, err)
	}
	return out, nil
}

// condition and fulfillment are the DER-encoded PREIMAGE-SHA-256
// crypto-condition pair derived from the configured preimage.
func (c *Client) condition() string {
	digest := sha256.Sum256([]byte(c.Preimage))
	buf := []byte{0xA0, 0x25, 0x80, 0x20}
	buf = append(buf, digest[:]...)
	buf = append(buf, 0x81, 0x01, byte(len(c.Preimage)))
	return strings.ToUpper(hex.EncodeToString(buf))
}

func (c *Client) fulfillment() string {
	preimage := []byte(c.Preimage)
	buf := []byte{0xA0, byte(len(preimage) + 2), 0x80, byte(len(preimage))}
	buf = append(buf, preimage...)
	return strings.ToUpper(hex.EncodeToString(buf))
}

func xrpToDrops(amount float64) string {
	return fmt.Sprintf("%d", int64(amount*1_000_000))
}

func (c *Client) CreateConditionalPayment(ctx context.Context, p CreateParams) (Handle, error) {
	// Premium first: the customer funds the platform before the payout
	// escrow opens.
	premium := map[string]any{
		"TransactionType": "Payment",
		"Destination":     c.PlatformAccount,
		"Amount":          xrpToDrops(p.Premium),
	}
	body, err := json.Marshal(rpcRequest{Method: "submit", Params: []map[string]any{{
		"tx_json": premium,
		"secret":  p.CustomerSeed,
	}}})
	if err != nil {
		return Handle{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.NodeURL, bytes.NewReader(body))
	if err != nil {
		return Handle{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.httpClient().Do(req)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	res.Body.Close()
	if res.StatusCode >= 500 {
		return Handle{}, fmt.Errorf("%w: premium submit returned %d", ErrUnavailable, res.StatusCode)
	}
	if res.StatusCode != http.StatusOK {
		return Handle{}, fmt.Errorf("%w: premium submit returned %d", ErrRejected, res.StatusCode)
	}

	out, err := c.submit(ctx, map[string]any{
		"TransactionType": "EscrowCreate",
		"Account":         c.PlatformAccount,
		"Destination":     p.Destination,
		"Amount":          xrpToDrops(p.Payout),
		"Condition":       c.condition(),
	})
	if err != nil {
		return Handle{}, err
	}
	if err := classify(out.Result.EngineResult); err != nil {
		return Handle{}, err
	}
	return Handle{Owner: c.PlatformAccount, Sequence: out.Result.TxJSON.Sequence}, nil
}

func (c *Client) Finish(ctx context.Context, h Handle) (TxRef, error) {
	out, err := c.submit(ctx, map[string]any{
		"TransactionType": "EscrowFinish",
		"Account":         c.PlatformAccount,
		"Owner":           h.Owner,
		"OfferSequence":   h.Sequence,
		"Condition":       c.condition(),
		"Fulfillment":     c.fulfillment(),
	})
	if err != nil {
		return "", err
	}
	if err := classify(out.Result.EngineResult); err != nil {
		return "", err
	}
	return TxRef(out.Result.Hash), nil
}

func (c *Client) Cancel(ctx context.Context, h Handle) (TxRef, error) {
	out, err := c.submit(ctx, map[string]any{
		"TransactionType": "EscrowCancel",
		"Account":         c.PlatformAccount,
		"Owner":           h.Owner,
		"OfferSequence":   h.Sequence,
	})
	if err != nil {
		return "", err
	}
	if err := classify(out.Result.EngineResult); err != nil {
		return "", err
	}
	return TxRef(out.Result.Hash), nil
}

// classify maps XRPL engine result codes onto the adapter's error kinds.
func classify(engineResult string) error {
	switch {
	case engineResult == "" || engineResult == "tesSUCCESS":
		return nil
	case engineResult == "tecNO_TARGET":
		// Escrow object gone: it was finished or cancelled earlier.
		return fmt.Errorf("%w: %s", ErrAlreadySettled, engineResult)
	case engineResult == "tecNO_PERMISSION":
		return fmt.Errorf("%w: %s", ErrExpired, engineResult)
	case strings.HasPrefix(engineResult, "tel"), strings.HasPrefix(engineResult, "ter"):
		// Local/retry classes are transient per the XRPL result taxonomy.
		return fmt.Errorf("%w: %s", ErrUnavailable, engineResult)
	default:
		return fmt.Errorf("%w: %s", ErrRejected, engineResult)
	}
}
