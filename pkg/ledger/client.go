package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var ErrTxNotFound = errors.New("transaction not found")

// Client talks to a WhatsOnChain-compatible chain API rooted at BaseURL
// (for example https://api.whatsonchain.com/v1/bsv/main).
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTPClient: httpClient}
}

// Unspent lists the confirmed and mempool outputs paying address.
func (c *Client) Unspent(ctx context.Context, address string) ([]UTXO, error) {
	body, err := c.do(ctx, http.MethodGet, "/address/"+address+"/unspent", nil)
	if err != nil {
		return nil, err
	}
	var out []UTXO
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode unspent: %w", err)
	}
	return out, nil
}

// Broadcast submits a raw transaction and returns the txid reported by the
// node.
func (c *Client) Broadcast(ctx context.Context, rawHex string) (string, error) {
	reqBody, _ := json.Marshal(map[string]string{"txhex": rawHex})
	body, err := c.do(ctx, http.MethodPost, "/tx/raw", reqBody)
	if err != nil {
		return "", err
	}
	txid := strings.Trim(strings.TrimSpace(string(body)), `"`)
	if len(txid) != 64 {
		return "", fmt.Errorf("unexpected broadcast response %q", txid)
	}
	return txid, nil
}

// RawTx fetches the hex serialization of txid.
func (c *Client) RawTx(ctx context.Context, txid string) (string, error) {
	body, err := c.do(ctx, http.MethodGet, "/tx/"+txid+"/hex", nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrTxNotFound
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("chain_http_status_%d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
