package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// broadcastRequest is one message POSTed to the broadcast endpoint.
type broadcastRequest struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Private bool   `json:"private"`
}

var socketSuffix = regexp.MustCompile(`(?i)(/socket/websocket|/socket|/websocket)/?$`)

// httpEndpointURL maps the websocket endpoint to its HTTP API base:
// the scheme flips to http(s) and the socket path suffix is dropped.
func httpEndpointURL(endpoint string) string {
	url := endpoint
	switch {
	case strings.HasPrefix(url, "wss://"):
		url = "https://" + url[len("wss://"):]
	case strings.HasPrefix(url, "ws://"):
		url = "http://" + url[len("ws://"):]
	}
	return socketSuffix.ReplaceAllString(url, "")
}

// broadcastHTTP delivers a broadcast through the HTTP endpoint, used when
// the channel cannot push over the socket. The timeout is enforced through
// the request context.
func (c *Client) broadcastHTTP(ctx context.Context, req broadcastRequest, timeout time.Duration) error {
	body, err := json.Marshal(map[string]any{"messages": []broadcastRequest{req}})
	if err != nil {
		return errors.Wrap(err, "encode broadcast")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := httpEndpointURL(c.endpoint) + "/api/broadcast"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build broadcast request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token := c.AccessToken(); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	if c.options.APIKey != "" {
		httpReq.Header.Set("apikey", c.options.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return errors.Wrap(err, "broadcast request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("broadcast endpoint returned %d", resp.StatusCode)
	}
	return nil
}
