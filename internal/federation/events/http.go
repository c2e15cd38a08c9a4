package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/learningtapestry/ssdn-sub000/internal/federation/identity"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/signer"
	apperrors "github.com/learningtapestry/ssdn-sub000/internal/platform/errors"
	"github.com/learningtapestry/ssdn-sub000/internal/platform/timeouts"
)

// HTTPLog posts signed event batches to a peer's event-log URL.
type HTTPLog struct {
	client *http.Client
	creds  identity.Credentials
	logURL string
	clock  func() time.Time
}

// NewHTTPLogFactory returns a LogClientFactory producing HTTP log clients
// over the given http.Client. A nil client uses a default with the shared
// peer-request timeout.
func NewHTTPLogFactory(client *http.Client) LogClientFactory {
	if client == nil {
		client = &http.Client{Timeout: timeouts.PeerRequest}
	}
	return func(creds identity.Credentials, logURL string) (LogClient, error) {
		if logURL == "" {
			return nil, fmt.Errorf("event log url is required")
		}
		return &HTTPLog{client: client, creds: creds, logURL: logURL, clock: time.Now}, nil
	}
}

// StoreBatch signs and posts batch as a single write.
func (h *HTTPLog) StoreBatch(ctx context.Context, batch []Event) error {
	if len(batch) == 0 {
		return nil
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode event batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.logURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build event batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	signer.Sign(req, h.creds, body, h.clock())

	resp, err := h.client.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.CodePeerUnreachable, "could not store event batch", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperrors.WithMetadata(apperrors.CodePeerUnreachable,
			"event log rejected the batch",
			map[string]string{"status": fmt.Sprintf("%d", resp.StatusCode)})
	}
	return nil
}
