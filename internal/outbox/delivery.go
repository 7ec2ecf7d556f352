package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DeliveryRequest is the envelope every per-kind endpoint accepts. ClientID
// carries the mutation id so the remote side can deduplicate repeated
// delivery attempts of the same logical action.
type DeliveryRequest struct {
	Payload       json.RawMessage `json:"payload,omitempty"`
	ClientID      string          `json:"clientId"`
	SyncTimestamp string          `json:"syncTimestamp"`
	Attachment    []byte          `json:"attachment,omitempty"`
}

// RemoteError reports a non-2xx endpoint response.
type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remote %d: %s", e.StatusCode, e.Message)
}

// EndpointClient posts delivery envelopes to the remote API. It makes exactly
// one attempt per call; the orchestrator owns retries.
type EndpointClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	now        func() time.Time
}

func NewEndpointClient(baseURL, token string, httpClient *http.Client) *EndpointClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &EndpointClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		now:        time.Now,
	}
}

func (c *EndpointClient) Deliver(ctx context.Context, path string, req DeliveryRequest) error {
	if req.SyncTimestamp == "" {
		req.SyncTimestamp = c.now().UTC().Format(time.RFC3339Nano)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.ClientID)
	httpReq.Header.Set("X-Correlation-Id", uuid.NewString())
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	if readErr != nil {
		return readErr
	}
	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	return &RemoteError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
	}
}

// NewEndpointHandler returns the plain delivery handler for kinds whose
// payload needs no local resolution.
func NewEndpointHandler(client *EndpointClient, path string) HandlerFunc {
	return func(ctx context.Context, m QueuedMutation) error {
		return client.Deliver(ctx, path, DeliveryRequest{
			Payload:  m.Payload,
			ClientID: m.ID,
		})
	}
}

// AttachmentResolver turns a locally captured binary reference into
// transmittable bytes.
type AttachmentResolver interface {
	Resolve(ref string) ([]byte, error)
}

// NewMediaHandler returns a handler that resolves the mutation's local binary
// reference before sending. An unresolved reference is an ordinary delivery
// failure, counted against the retry cap like any other.
func NewMediaHandler(client *EndpointClient, path string, resolver AttachmentResolver) HandlerFunc {
	return func(ctx context.Context, m QueuedMutation) error {
		req := DeliveryRequest{
			Payload:  m.Payload,
			ClientID: m.ID,
		}
		if m.AttachmentRef != "" {
			if resolver == nil {
				return fmt.Errorf("%w: no resolver for %s", ErrAttachmentUnresolved, m.AttachmentRef)
			}
			data, err := resolver.Resolve(m.AttachmentRef)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrAttachmentUnresolved, err)
			}
			req.Attachment = data
		}
		return client.Deliver(ctx, path, req)
	}
}
