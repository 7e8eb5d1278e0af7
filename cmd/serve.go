package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/idproof/internal/docreader"
	"github.com/andresmejia3/idproof/internal/metrics"
	"github.com/andresmejia3/idproof/internal/pipeline"
	"github.com/andresmejia3/idproof/internal/types"
	"github.com/andresmejia3/idproof/internal/utils"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a capture session over HTTP for a kiosk or browser front end",
	Run: func(cmd *cobra.Command, args []string) {
		if cmd.Flags().Changed("addr") {
			Cfg.Serve.Addr = serveAddr
		}
		if err := runServe(cmd.Context(), Cfg.Serve.Addr); err != nil {
			utils.Die("Server failed", err, nil)
		}
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, addr string) error {
	engine := newEngine(Cfg)
	defer engine.Close()

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	if _, err := engine.EnsureLoaded(ctx); err != nil {
		return err
	}

	orch, err := buildPipeline(Cfg, engine, DB)
	if err != nil {
		return err
	}
	defer orch.Close()

	srv := newServer(orch, Metrics)
	go srv.logEvents(ctx)

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "🌐 Listening on %s\n", addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	fmt.Fprintln(os.Stderr, "\n🛑 Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// server exposes one orchestrator. There is one camera, so there is one session.
type server struct {
	orch    *pipeline.Orchestrator
	metrics *metrics.Metrics

	frameMu sync.RWMutex
	frame   *types.Frame
}

func newServer(orch *pipeline.Orchestrator, m *metrics.Metrics) *server {
	s := &server{orch: orch, metrics: m}
	orch.OnFrameReady(s.storeFrame)
	return s
}

func (s *server) storeFrame(f *types.Frame) {
	s.frameMu.Lock()
	s.frame = f
	s.frameMu.Unlock()
}

func (s *server) latestFrame() *types.Frame {
	s.frameMu.RLock()
	defer s.frameMu.RUnlock()
	return s.frame
}

func (s *server) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/sessions", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/session", s.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/session/frame", s.handleFrame).Methods(http.MethodGet)
	r.HandleFunc("/session/document", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/session/{action}", s.handleAction).Methods(http.MethodPost)
	return r
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
}

type startRequest struct {
	Mode   string `json:"mode"`
	UserID string `json:"user_id"`
}

func (s *server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body"})
		return
	}

	if strings.TrimSpace(req.UserID) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "user_id is required"})
		return
	}

	var err error
	switch strings.ToLower(req.Mode) {
	case pipeline.Enrollment.String():
		err = s.orch.StartEnrollment(r.Context(), req.UserID)
	case pipeline.Verification.String():
		err = s.orch.StartVerification(r.Context(), req.UserID)
	default:
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("unknown mode %q", req.Mode)})
		return
	}
	s.respond(w, err)
}

func (s *server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Result())
}

func (s *server) handleAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	switch mux.Vars(r)["action"] {
	case "confirm":
		err = s.orch.ConfirmDocument(ctx)
	case "rescan":
		err = s.orch.RescanDocument(ctx)
	case "stop":
		err = s.orch.StopScanning()
	case "capture":
		err = s.orch.Capture(ctx)
	case "retry":
		err = s.orch.Retry(ctx)
	case "cancel":
		s.orch.Cancel()
	default:
		http.NotFound(w, r)
		return
	}
	s.respond(w, err)
}

func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	img, _, err := docreader.LoadImage(http.MaxBytesReader(w, r.Body, docreader.MaxUploadBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	_, err = s.orch.UploadDocument(img)
	s.respond(w, err)
}

func (s *server) handleFrame(w http.ResponseWriter, r *http.Request) {
	f := s.latestFrame()
	if f == nil || len(f.Data) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(f.Data))
	w.Header().Set("Cache-Control", "no-store")
	w.Write(f.Data)
}

// respond writes the session snapshot, or the error with the session attached.
func (s *server) respond(w http.ResponseWriter, err error) {
	snap := s.orch.Result()
	if err != nil {
		writeJSON(w, statusFor(err), errorBody{Error: err.Error(), Kind: types.KindOf(err).String(), Session: &snap})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// logEvents drains the transition stream into the log until ctx ends.
func (s *server) logEvents(ctx context.Context) {
	events := s.orch.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			attrs := []any{"session", ev.Session, "state", ev.State, "at", ev.At}
			if ev.Reason != pipeline.ReasonNone {
				attrs = append(attrs, "reason", ev.Reason)
			}
			if ev.Err != nil {
				attrs = append(attrs, "error", ev.Err)
			}
			slog.Info("serve: session transition", attrs...)
		}
	}
}

type errorBody struct {
	Error   string             `json:"error"`
	Kind    string             `json:"kind,omitempty"`
	Session *pipeline.Snapshot `json:"session,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidTransition), errors.Is(err, types.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, types.ErrBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	}
	switch types.KindOf(err) {
	case types.KindDevice:
		return http.StatusServiceUnavailable
	case types.KindDecodeExhausted, types.KindCaptureFailure:
		return http.StatusUnprocessableEntity
	case types.KindDetectionTransient:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("serve: write response", "error", err)
	}
}
