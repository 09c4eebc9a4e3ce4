package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"pagesmith/internal/buildfail"
)

// HTTPAgent calls a remote generation service over JSON/HTTP.
type HTTPAgent struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPAgent builds a client for the given endpoint. token may be empty.
func NewHTTPAgent(baseURL, token string, timeout time.Duration) *HTTPAgent {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPAgent{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type generateResponse struct {
	Creates []FileMutation `json:"creates"`
	Updates []FileMutation `json:"updates"`
	Deletes []string       `json:"deletes"`
	Error   string         `json:"error,omitempty"`
}

// GenerateMutations posts the context bundle and decodes the mutation set.
// Rate-limit and server errors come back transient; everything else fatal.
func (a *HTTPAgent) GenerateMutations(ctx context.Context, bundle *BuildContext) (*MutationSet, error) {
	body, err := json.Marshal(bundle)
	if err != nil {
		return nil, buildfail.Wrap(buildfail.KindAgent, fmt.Errorf("marshal context bundle: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, buildfail.Wrap(buildfail.KindAgent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, buildfail.WrapTransient(buildfail.KindAgent, fmt.Errorf("agent request: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, buildfail.WrapTransient(buildfail.KindAgent, fmt.Errorf("read agent response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, buildfail.WrapTransient(buildfail.KindAgent,
			fmt.Errorf("agent returned %d: %s", resp.StatusCode, truncateBody(raw)))
	case resp.StatusCode != http.StatusOK:
		return nil, buildfail.New(buildfail.KindAgent,
			"agent returned %d: %s", resp.StatusCode, truncateBody(raw))
	}

	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, buildfail.Wrap(buildfail.KindAgent, fmt.Errorf("malformed agent response: %w", err))
	}
	if out.Error != "" {
		return nil, buildfail.New(buildfail.KindAgent, "agent reported failure: %s", out.Error)
	}

	return &MutationSet{Creates: out.Creates, Updates: out.Updates, Deletes: out.Deletes}, nil
}

func truncateBody(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
