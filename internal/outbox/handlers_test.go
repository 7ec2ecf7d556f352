package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestRegistryRejectsInvalidRegistrations(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register("", func(context.Context, QueuedMutation) error { return nil }); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty kind, got %v", err)
	}
	if err := registry.Register(KindDecision, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for nil handler, got %v", err)
	}
	if _, ok := registry.Handler(KindDecision); ok {
		t.Fatalf("expected no handler registered")
	}
}

func TestRegistrySchemaValidation(t *testing.T) {
	registry := NewRegistry()
	schema := []byte(`{
		"type": "object",
		"required": ["inspectionId", "verdict"],
		"properties": {
			"inspectionId": {"type": "string"},
			"verdict": {"enum": ["approved", "rejected"]}
		}
	}`)
	if err := registry.RegisterSchema(KindDecision, schema); err != nil {
		t.Fatalf("register schema failed: %v", err)
	}

	valid := json.RawMessage(`{"inspectionId":"i-4","verdict":"approved"}`)
	if err := registry.ValidatePayload(KindDecision, valid); err != nil {
		t.Fatalf("expected valid payload accepted, got %v", err)
	}
	invalid := json.RawMessage(`{"inspectionId":"i-4","verdict":"maybe"}`)
	if err := registry.ValidatePayload(KindDecision, invalid); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	// Kinds without a schema stay opaque.
	if err := registry.ValidatePayload(KindCreateRecord, json.RawMessage(`"anything"`)); err != nil {
		t.Fatalf("expected schemaless kind to accept any payload, got %v", err)
	}
}

func TestRegistrySchemaCompileErrors(t *testing.T) {
	registry := NewRegistry()
	if err := registry.RegisterSchema(KindDecision, []byte(`{"type":`)); err == nil {
		t.Fatalf("expected parse error for malformed schema")
	}
}

func TestEndpointHandlerTagsIdempotencyToken(t *testing.T) {
	var mu sync.Mutex
	var got DeliveryRequest
	var idempotencyKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		idempotencyKey = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewEndpointClient(server.URL, "tok", nil)
	handler := NewEndpointHandler(client, "/v1/records")
	m := QueuedMutation{ID: "m-9", Kind: KindCreateRecord, Payload: json.RawMessage(`{"site":"north"}`)}
	if err := handler(context.Background(), m); err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got.ClientID != "m-9" {
		t.Fatalf("expected clientId m-9 in envelope, got %q", got.ClientID)
	}
	if idempotencyKey != "m-9" {
		t.Fatalf("expected Idempotency-Key header m-9, got %q", idempotencyKey)
	}
	if got.SyncTimestamp == "" {
		t.Fatalf("expected sync timestamp in envelope")
	}
}

func TestEndpointHandlerSurfacesRemoteError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"code":"validation_failed","message":"missing field"}`)
	}))
	defer server.Close()

	handler := NewEndpointHandler(NewEndpointClient(server.URL, "", nil), "/v1/records")
	err := handler(context.Background(), QueuedMutation{ID: "m-1", Kind: KindCreateRecord})
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remoteErr.StatusCode != http.StatusUnprocessableEntity || remoteErr.Code != "validation_failed" {
		t.Fatalf("unexpected remote error: %+v", remoteErr)
	}
}

type mapResolver map[string][]byte

func (r mapResolver) Resolve(ref string) ([]byte, error) {
	data, ok := r[ref]
	if !ok {
		return nil, fmt.Errorf("no capture %s", ref)
	}
	return data, nil
}

func TestMediaHandlerResolvesAttachment(t *testing.T) {
	var got DeliveryRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	resolver := mapResolver{"photo-3.jpg": []byte("jpeg-bytes")}
	handler := NewMediaHandler(NewEndpointClient(server.URL, "", nil), "/v1/media", resolver)
	m := QueuedMutation{ID: "m-2", Kind: KindMediaUpload, AttachmentRef: "photo-3.jpg"}
	if err := handler(context.Background(), m); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if string(got.Attachment) != "jpeg-bytes" {
		t.Fatalf("expected attachment bytes transmitted, got %q", got.Attachment)
	}
}

func TestMediaHandlerUnresolvedReferenceFailsWithoutSending(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer server.Close()

	handler := NewMediaHandler(NewEndpointClient(server.URL, "", nil), "/v1/media", mapResolver{})
	err := handler(context.Background(), QueuedMutation{ID: "m-3", Kind: KindMediaUpload, AttachmentRef: "missing.jpg"})
	if !errors.Is(err, ErrAttachmentUnresolved) {
		t.Fatalf("expected ErrAttachmentUnresolved, got %v", err)
	}
	if requests != 0 {
		t.Fatalf("unresolved attachment must not reach the endpoint, saw %d requests", requests)
	}
}
