package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"

	"github.com/andresmejia3/idproof/internal/capture"
	"github.com/andresmejia3/idproof/internal/descriptor"
	"github.com/andresmejia3/idproof/internal/facesignal"
	"github.com/andresmejia3/idproof/internal/metrics"
	"github.com/andresmejia3/idproof/internal/pipeline"
	"github.com/andresmejia3/idproof/internal/types"
)

// unpluggedCamera fails every open, like a kiosk with the camera disconnected.
type unpluggedCamera struct{}

func (unpluggedCamera) Open(ctx context.Context, facing capture.Facing, res capture.Resolution, fps float64) (capture.Feed, error) {
	return nil, types.ErrDeviceUnavailable
}

type idleEngine struct{}

func (idleEngine) Detect(ctx context.Context, frame []byte) ([]types.FaceResult, error) {
	return nil, nil
}

func (idleEngine) Embed(ctx context.Context, frame []byte) ([]types.FaceResult, error) {
	return nil, nil
}

type nopStore struct{}

func (nopStore) GetStoredDescriptor(ctx context.Context, userID string) (types.Descriptor, error) {
	return nil, types.ErrNotFound
}

func (nopStore) PutDescriptor(ctx context.Context, userID string, d types.Descriptor) error {
	return nil
}

func (nopStore) RecordVerificationAttempt(ctx context.Context, userID string, res types.MatchResult, at time.Time) (string, error) {
	return "attempt", nil
}

func (nopStore) PutParsedDocument(ctx context.Context, userID string, fields types.Fields, format types.Symbology) error {
	return nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	m := metrics.New()
	orch, err := pipeline.New(pipeline.Deps{
		Surface:   capture.NewSurface(unpluggedCamera{}),
		Faces:     facesignal.New(idleEngine{}, facesignal.Config{}, m),
		Extractor: descriptor.NewExtractor(idleEngine{}, types.DescriptorDim, time.Second, m),
		Identity:  nopStore{},
		Documents: nopStore{},
		Metrics:   m,
	}, pipeline.Settings{})
	if err != nil {
		t.Fatalf("pipeline.New() error = %v", err)
	}
	t.Cleanup(orch.Close)

	ts := httptest.NewServer(newServer(orch, m).routes())
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, url, contentType string, body []byte) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url, contentType, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestServer_SessionLifecycle(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/session")
	if err != nil {
		t.Fatal(err)
	}
	var snap pipeline.Snapshot
	json.NewDecoder(resp.Body).Decode(&snap)
	resp.Body.Close()
	if snap.State != "idle" {
		t.Fatalf("Initial state = %q, want idle", snap.State)
	}

	// Nothing to capture before a session exists.
	resp, _ = post(t, ts.URL+"/session/capture", "application/json", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Capture while idle status = %d, want 409", resp.StatusCode)
	}

	// The camera is unplugged, so the document stage fails on the device.
	resp, body := post(t, ts.URL+"/sessions", "application/json", []byte(`{"mode":"enrollment","user_id":"u1"}`))
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Start status = %d, want 503: %s", resp.StatusCode, body)
	}
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		t.Fatalf("Error body is not JSON: %v", err)
	}
	if eb.Kind != types.KindDevice.String() || eb.Session == nil || eb.Session.Reason != "device" {
		t.Errorf("Error body = %+v, want device failure", eb)
	}

	// A document photo still moves the session forward.
	bm, err := qrcode.NewQRCodeWriter().Encode("ABCD123456EFGHIJ12", gozxing.BarcodeFormat_QR_CODE, 250, 250, nil)
	if err != nil {
		t.Fatal(err)
	}
	var img bytes.Buffer
	if err := png.Encode(&img, bm); err != nil {
		t.Fatal(err)
	}
	resp, body = post(t, ts.URL+"/session/document", "image/png", img.Bytes())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Upload status = %d, want 200: %s", resp.StatusCode, body)
	}
	snap = pipeline.Snapshot{}
	json.Unmarshal(body, &snap)
	if snap.State != "document_captured" || snap.Fields[types.FieldIdentifier] != "ABCD123456EFGHIJ12" {
		t.Errorf("After upload: state=%q fields=%v", snap.State, snap.Fields)
	}

	resp, _ = post(t, ts.URL+"/session/cancel", "application/json", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Cancel status = %d, want 200", resp.StatusCode)
	}
}

func TestServer_BadRequests(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"Malformed JSON", "/sessions", "{", http.StatusBadRequest},
		{"Unknown mode", "/sessions", `{"mode":"audit","user_id":"u1"}`, http.StatusBadRequest},
		{"Missing user", "/sessions", `{"mode":"verification"}`, http.StatusBadRequest},
		{"Not an image", "/session/document", "hello", http.StatusBadRequest},
		{"Unknown action", "/session/teleport", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := post(t, ts.URL+tt.path, "application/json", []byte(tt.body))
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d: %s", resp.StatusCode, tt.status, body)
			}
		})
	}
}

func TestServer_FrameEmptyWithoutCamera(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/session/frame")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("capture: %w", types.ErrInvalidTransition), http.StatusConflict},
		{types.ErrNotReady, http.StatusConflict},
		{types.ErrBusy, http.StatusTooManyRequests},
		{types.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("acquire: %w", types.ErrPermissionDenied), http.StatusServiceUnavailable},
		{types.ErrDecodeExhausted, http.StatusUnprocessableEntity},
		{types.ErrNoFaceFound, http.StatusUnprocessableEntity},
		{types.ErrDetectionFailed, http.StatusGatewayTimeout},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(strings.ReplaceAll(tt.err.Error(), " ", "_"), func(t *testing.T) {
			if got := statusFor(tt.err); got != tt.want {
				t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
