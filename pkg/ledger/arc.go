package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ARCBroadcaster submits transactions to an ARC-style endpoint. It is used as
// a secondary broadcast for faster indexing; callers never depend on it.
type ARCBroadcaster struct {
	URL        string
	APIKey     string
	HTTPClient *http.Client
}

func NewARCBroadcaster(url, apiKey string, httpClient *http.Client) *ARCBroadcaster {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &ARCBroadcaster{URL: strings.TrimRight(url, "/"), APIKey: apiKey, HTTPClient: httpClient}
}

type arcResponse struct {
	TxID     string `json:"txid"`
	TxStatus string `json:"txStatus"`
	Detail   string `json:"detail"`
}

func (b *ARCBroadcaster) Broadcast(ctx context.Context, rawHex string) (string, error) {
	payload, _ := json.Marshal(map[string]string{"rawTx": rawHex})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.URL+"/v1/tx", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.APIKey)
	}
	resp, err := b.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	var out arcResponse
	_ = json.Unmarshal(body, &out)
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("arc_http_status_%d: %s", resp.StatusCode, out.Detail)
	}
	return out.TxID, nil
}
