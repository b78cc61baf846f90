package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// api is a thin client for the daemon's HTTP API.
type api struct {
	base string
	hc   *http.Client
}

func newAPI() (*api, error) {
	addr := daemonAddr
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		addr = cfg.Server.Addr
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &api{
		base: strings.TrimRight(addr, "/"),
		hc:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// do issues one request. body (if non-nil) is sent as JSON; a 2xx response
// is decoded into out (if non-nil), anything else becomes an error carrying
// the server's message.
func (a *api) do(ctx context.Context, method, path string, body, out any) error {
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.hc.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", a.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func issuePath(owner, repo string, number int) string {
	return fmt.Sprintf("/api/issues/%s/%s/%d", owner, repo, number)
}
