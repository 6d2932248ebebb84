package hedgeagent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"basis-vault/internal/config"
)

// HTTPTransport posts msgpack-encoded orders to the venue agent endpoint.
type HTTPTransport struct {
	endpoint string
	http     *http.Client
}

func NewHTTPTransport(cfg config.AgentConfig) *HTTPTransport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTransport{
		endpoint: cfg.Endpoint,
		http:     &http.Client{Timeout: timeout},
	}
}

func (t *HTTPTransport) Submit(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+"/orders", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/msgpack")
	resp, err := t.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("order submit failed: http %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
