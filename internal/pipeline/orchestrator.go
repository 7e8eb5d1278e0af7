// Package pipeline drives one identity session: document scan, face capture, decision.
// It owns the camera and guarantees at most one detector loop reads from it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/andresmejia3/idproof/internal/capture"
	"github.com/andresmejia3/idproof/internal/descriptor"
	"github.com/andresmejia3/idproof/internal/docparse"
	"github.com/andresmejia3/idproof/internal/docreader"
	"github.com/andresmejia3/idproof/internal/facesignal"
	"github.com/andresmejia3/idproof/internal/metrics"
	"github.com/andresmejia3/idproof/internal/types"
)

// IdentityStore persists reference descriptors and verification outcomes.
type IdentityStore interface {
	GetStoredDescriptor(ctx context.Context, userID string) (types.Descriptor, error)
	PutDescriptor(ctx context.Context, userID string, d types.Descriptor) error
	RecordVerificationAttempt(ctx context.Context, userID string, res types.MatchResult, at time.Time) (string, error)
}

// DocumentStore persists parsed document fields.
type DocumentStore interface {
	PutParsedDocument(ctx context.Context, userID string, fields types.Fields, format types.Symbology) error
}

// Deps are the collaborators a session drives. Surface, Faces, Extractor and Identity
// are required; the rest have defaults.
type Deps struct {
	Surface   *capture.Surface
	Faces     *facesignal.Detector
	Extractor *descriptor.Extractor
	Matcher   *descriptor.Matcher
	Reader    *docreader.Reader
	Parser    *docparse.Parser
	Identity  IdentityStore
	Documents DocumentStore
	Metrics   *metrics.Metrics
}

// Settings are the per-stage camera constraints and scan pacing.
type Settings struct {
	Document     capture.Constraints
	Face         capture.Constraints
	ScanInterval time.Duration
	EventBuffer  int
}

// DefaultSettings scans the document with the environment camera and the face
// with the user camera.
func DefaultSettings() Settings {
	c := capture.Constraints{
		Ideal:     capture.Resolution{Width: 640, Height: 480},
		Min:       capture.Resolution{Width: 320, Height: 240},
		FrameRate: 30,
	}
	doc, face := c, c
	doc.Facing = capture.FacingEnvironment
	face.Facing = capture.FacingUser
	return Settings{Document: doc, Face: face, ScanInterval: docreader.DefaultInterval, EventBuffer: 64}
}

// Orchestrator is the session state machine. All transitions are serialized by mu;
// detector loops run on their own goroutines and report back through it.
type Orchestrator struct {
	deps     Deps
	settings Settings

	// Loops run under base rather than the caller's context: an HTTP request that
	// starts a session returns long before the session ends.
	base       context.Context
	cancelBase context.CancelFunc
	events     chan Event

	capturing atomic.Bool
	uploading atomic.Bool

	mu          sync.Mutex
	closed      bool
	session     string
	mode        Mode
	userID      string
	state       State
	reason      Reason
	failedAt    State
	lastErr     error
	active      Detector
	lease       *capture.Lease
	leaseCancel context.CancelFunc
	faceLoop    *facesignal.Loop
	poller      *docreader.Poller
	pollGen     uint64
	stageCancel context.CancelFunc
	code        *types.DecodedCode
	fields      types.Fields
	result      *types.MatchResult
	attemptID   string
}

// New validates the dependencies and returns an idle orchestrator.
func New(deps Deps, settings Settings) (*Orchestrator, error) {
	switch {
	case deps.Surface == nil:
		return nil, errors.New("pipeline: capture surface is required")
	case deps.Faces == nil:
		return nil, errors.New("pipeline: face signal detector is required")
	case deps.Extractor == nil:
		return nil, errors.New("pipeline: descriptor extractor is required")
	case deps.Identity == nil:
		return nil, errors.New("pipeline: identity store is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Matcher == nil {
		deps.Matcher = descriptor.NewMatcher(descriptor.DefaultThreshold, deps.Metrics)
	}
	if deps.Reader == nil {
		deps.Reader = docreader.Default()
	}
	if deps.Parser == nil {
		deps.Parser = docparse.New()
	}

	def := DefaultSettings()
	if settings.Document == (capture.Constraints{}) {
		settings.Document = def.Document
	}
	if settings.Face == (capture.Constraints{}) {
		settings.Face = def.Face
	}
	if settings.ScanInterval <= 0 {
		settings.ScanInterval = def.ScanInterval
	}
	if settings.EventBuffer <= 0 {
		settings.EventBuffer = def.EventBuffer
	}

	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		deps:       deps,
		settings:   settings,
		base:       base,
		cancelBase: cancel,
		events:     make(chan Event, settings.EventBuffer),
	}, nil
}

// StartEnrollment begins a session that stores the captured descriptor for userID.
func (o *Orchestrator) StartEnrollment(ctx context.Context, userID string) error {
	return o.start(ctx, Enrollment, userID)
}

// StartVerification begins a session that compares the captured face with userID's
// enrolled descriptor.
func (o *Orchestrator) StartVerification(ctx context.Context, userID string) error {
	return o.start(ctx, Verification, userID)
}

func (o *Orchestrator) start(ctx context.Context, mode Mode, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("user id is required")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errors.New("pipeline: orchestrator closed")
	}
	if o.state != Idle && !o.state.Terminal() {
		return fmt.Errorf("start %s while %s: %w", mode, o.state, types.ErrInvalidTransition)
	}

	o.session = uuid.NewString()
	o.mode = mode
	o.userID = userID
	o.reason = ReasonNone
	o.failedAt = Idle
	o.lastErr = nil
	o.result = nil
	o.attemptID = ""
	slog.Info("pipeline: session started", "session", o.session, "mode", mode, "user", userID)

	return o.enterScanningDocumentLocked(ctx)
}

// ConfirmDocument persists the parsed fields and moves to the face stage. The camera is
// fully released before the face-stage camera is acquired.
func (o *Orchestrator) ConfirmDocument(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != DocumentCaptured {
		return fmt.Errorf("confirm document while %s: %w", o.state, types.ErrInvalidTransition)
	}

	if o.deps.Documents != nil {
		if err := o.deps.Documents.PutParsedDocument(ctx, o.userID, o.fields, o.code.Format); err != nil {
			return fmt.Errorf("store parsed document: %w", err)
		}
	}
	return o.enterScanningFaceLocked(ctx)
}

// RescanDocument discards an unconfirmed code and resumes polling. It is also how a
// stopped scan is restarted.
func (o *Orchestrator) RescanDocument(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case o.state == DocumentCaptured:
		slog.Info("pipeline: discarding decoded document", "session", o.session)
	case o.state == ScanningDocument && o.active == DetectorNone:
	default:
		return fmt.Errorf("rescan while %s: %w", o.state, types.ErrInvalidTransition)
	}
	return o.enterScanningDocumentLocked(ctx)
}

// UploadDocument decodes a user-supplied image with both decoder tiers. On
// ErrDecodeExhausted the state is unchanged.
func (o *Orchestrator) UploadDocument(img image.Image) (types.DecodedCode, error) {
	if !o.uploading.CompareAndSwap(false, true) {
		return types.DecodedCode{}, fmt.Errorf("upload: %w", types.ErrBusy)
	}
	defer o.uploading.Store(false)

	o.mu.Lock()
	if !o.uploadAllowedLocked() {
		state := o.state
		o.mu.Unlock()
		return types.DecodedCode{}, fmt.Errorf("upload while %s: %w", state, types.ErrInvalidTransition)
	}
	session := o.session
	o.mu.Unlock()

	code, err := o.deps.Reader.ScanImage(img)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session != session || !o.uploadAllowedLocked() {
		return types.DecodedCode{}, fmt.Errorf("upload: session moved on: %w", types.ErrInvalidTransition)
	}
	if err != nil {
		o.reportLocked(err)
		return types.DecodedCode{}, err
	}
	if o.state == Failure {
		slog.Info("pipeline: upload recovered camera failure", "session", o.session)
		o.reason = ReasonNone
		o.lastErr = nil
	}
	o.acceptCodeLocked(code)
	return code, nil
}

func (o *Orchestrator) uploadAllowedLocked() bool {
	if o.state == ScanningDocument {
		return true
	}
	return o.state == Failure && o.reason == ReasonDevice && o.failedAt == ScanningDocument
}

// StopScanning ends live document scanning. A code already decoded by the poller, or
// found by a last two-tier pass over the latest frame, is accepted; otherwise
// ErrDecodeExhausted is returned and the session waits for a rescan or an upload.
func (o *Orchestrator) StopScanning() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != ScanningDocument {
		return fmt.Errorf("stop scanning while %s: %w", o.state, types.ErrInvalidTransition)
	}

	p := o.poller
	o.stopActiveLocked()
	if p != nil {
		select {
		case code := <-p.Result():
			o.acceptCodeLocked(code)
			return nil
		default:
		}
	}

	if o.lease != nil {
		if frame := o.lease.Latest(); frame != nil {
			if img, err := frame.Image(); err == nil {
				code, err := o.deps.Reader.ScanImage(img)
				if err == nil {
					o.acceptCodeLocked(code)
					return nil
				}
				o.reportLocked(err)
				return err
			}
		}
	}

	o.deps.Metrics.DecodeExhausted.Add(1)
	err := fmt.Errorf("scanning stopped before a frame arrived: %w", types.ErrDecodeExhausted)
	o.reportLocked(err)
	return err
}

// Capture extracts a descriptor from the current frame and drives the session to a
// decision. It is permitted only while CanCapture is true. An extraction failure
// (no face, several faces) leaves the session in ScanningFace; a descriptor of the
// wrong length ends it as Failure(defect).
//
// No match and unknown identity are normal outcomes: Capture returns nil and the
// outcome is read from Result.
func (o *Orchestrator) Capture(ctx context.Context) error {
	if !o.capturing.CompareAndSwap(false, true) {
		return fmt.Errorf("capture: %w", types.ErrBusy)
	}
	defer o.capturing.Store(false)

	o.mu.Lock()
	if o.state != ScanningFace {
		state := o.state
		o.mu.Unlock()
		return fmt.Errorf("capture while %s: %w", state, types.ErrInvalidTransition)
	}
	if !o.canCaptureLocked() {
		o.mu.Unlock()
		return fmt.Errorf("capture: %w", types.ErrNotReady)
	}
	frame := o.lease.Latest()
	session := o.session
	o.mu.Unlock()

	// Extraction runs the engine and may take a while; transitions stay available meanwhile.
	desc, err := o.deps.Extractor.Extract(ctx, frame)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session != session || o.state != ScanningFace {
		return fmt.Errorf("capture: session moved on: %w", types.ErrInvalidTransition)
	}
	if types.KindOf(err) == types.KindLengthMismatch {
		slog.Error("pipeline: engine produced a malformed descriptor", "session", o.session, "err", err)
		o.terminalLocked(Failure, ReasonDefect, err)
		return fmt.Errorf("capture: %w", err)
	}
	if err != nil {
		slog.Info("pipeline: capture failed, still scanning", "session", o.session, "err", err)
		o.reportLocked(err)
		return fmt.Errorf("capture: %w", err)
	}

	o.stopActiveLocked()
	o.releaseCameraLocked()
	o.lastErr = nil
	o.setStateLocked(FaceCaptured)

	if o.mode == Enrollment {
		return o.enrollLocked(ctx, desc)
	}
	return o.decideLocked(ctx, desc)
}

func (o *Orchestrator) enrollLocked(ctx context.Context, desc types.Descriptor) error {
	if err := o.deps.Identity.PutDescriptor(ctx, o.userID, desc.Clone()); err != nil {
		err = fmt.Errorf("enroll %s: %w", o.userID, err)
		o.terminalLocked(Failure, ReasonStore, err)
		return err
	}
	o.terminalLocked(Success, ReasonNone, nil)
	return nil
}

func (o *Orchestrator) decideLocked(ctx context.Context, desc types.Descriptor) error {
	stored, err := o.deps.Identity.GetStoredDescriptor(ctx, o.userID)
	if errors.Is(err, types.ErrNotFound) {
		o.terminalLocked(Failure, ReasonUnknownIdentity, err)
		return nil
	}
	if err != nil {
		err = fmt.Errorf("load descriptor for %s: %w", o.userID, err)
		o.terminalLocked(Failure, ReasonStore, err)
		return err
	}

	o.setStateLocked(Deciding)
	res, err := o.deps.Matcher.Compare(stored, desc)
	if err != nil {
		o.terminalLocked(Failure, ReasonDefect, err)
		return err
	}
	o.result = &res

	id, err := o.deps.Identity.RecordVerificationAttempt(ctx, o.userID, res, time.Now())
	if err != nil {
		err = fmt.Errorf("record verification attempt: %w", err)
		o.terminalLocked(Failure, ReasonStore, err)
		return err
	}
	o.attemptID = id
	slog.Info("pipeline: decision", "session", o.session, "user", o.userID,
		"distance", res.Distance, "threshold", res.Threshold, "match", res.IsMatch, "attempt", id)

	if res.IsMatch {
		o.terminalLocked(Success, ReasonNone, nil)
	} else {
		o.terminalLocked(Failure, ReasonNoMatch, nil)
	}
	return nil
}

// Retry resumes the stage a camera failure interrupted.
func (o *Orchestrator) Retry(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != Failure || o.reason != ReasonDevice {
		return fmt.Errorf("retry while %s: %w", o.state, types.ErrInvalidTransition)
	}

	o.reason = ReasonNone
	o.lastErr = nil
	slog.Info("pipeline: retrying camera", "session", o.session, "stage", o.failedAt)
	if o.failedAt == ScanningFace {
		return o.enterScanningFaceLocked(ctx)
	}
	return o.enterScanningDocumentLocked(ctx)
}

// Cancel ends a running session as Failure(Cancelled) and releases the camera.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == Idle || o.state.Terminal() {
		o.stopActiveLocked()
		o.releaseCameraLocked()
		return
	}
	o.terminalLocked(Failure, ReasonCancelled, nil)
}

// Close cancels any session and stops accepting new ones.
func (o *Orchestrator) Close() {
	o.Cancel()
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancelBase()
}

// --- stage entry ---

func (o *Orchestrator) enterScanningDocumentLocked(ctx context.Context) error {
	o.stopActiveLocked()
	o.code = nil
	o.fields = nil

	if err := o.holdCameraLocked(ctx, o.settings.Document); err != nil {
		o.failDeviceLocked(ScanningDocument, err)
		return err
	}
	o.lastErr = nil
	o.setStateLocked(ScanningDocument)

	stageCtx, cancel := context.WithCancel(o.base)
	o.pollGen++
	p := o.deps.Reader.Poll(stageCtx, o.lease, o.settings.ScanInterval)
	o.poller = p
	o.stageCancel = cancel
	o.active = DetectorDocument
	go o.awaitCode(stageCtx, o.session, o.pollGen, p)
	return nil
}

func (o *Orchestrator) enterScanningFaceLocked(ctx context.Context) error {
	o.stopActiveLocked()

	if err := o.holdCameraLocked(ctx, o.settings.Face); err != nil {
		o.failDeviceLocked(ScanningFace, err)
		return err
	}
	o.lastErr = nil
	o.setStateLocked(ScanningFace)

	stageCtx, cancel := context.WithCancel(o.base)
	o.faceLoop = o.deps.Faces.Start(stageCtx, o.lease)
	o.stageCancel = cancel
	o.active = DetectorFace
	return nil
}

// awaitCode hands the poller's single result back to the state machine.
func (o *Orchestrator) awaitCode(ctx context.Context, session string, gen uint64, p *docreader.Poller) {
	select {
	case code := <-p.Result():
		o.onDecoded(session, gen, code)
	case <-ctx.Done():
	}
}

func (o *Orchestrator) onDecoded(session string, gen uint64, code types.DecodedCode) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session != session || o.pollGen != gen || o.state != ScanningDocument || o.code != nil {
		slog.Debug("pipeline: discarding stale decode", "session", session)
		return
	}
	o.acceptCodeLocked(code)
}

func (o *Orchestrator) acceptCodeLocked(code types.DecodedCode) {
	o.stopActiveLocked()
	o.code = &code
	o.fields = o.deps.Parser.Parse(code.RawText)
	o.lastErr = nil
	slog.Info("pipeline: document decoded", "session", o.session, "format", code.Format, "fields", len(o.fields)-1)
	o.setStateLocked(DocumentCaptured)
}

// stopActiveLocked stops whichever loop owns the camera and waits for it to exit.
func (o *Orchestrator) stopActiveLocked() {
	switch o.active {
	case DetectorFace:
		o.faceLoop.Stop()
		o.faceLoop = nil
	case DetectorDocument:
		o.poller.Stop()
		o.poller = nil
		// A decode already taken off the poller belongs to a stopped loop.
		o.pollGen++
	}
	if o.stageCancel != nil {
		o.stageCancel()
		o.stageCancel = nil
	}
	o.active = DetectorNone
}

// --- camera ---

// holdCameraLocked makes sure a live lease with c's facing is held. A facing change
// releases the old lease completely before the new one is acquired.
func (o *Orchestrator) holdCameraLocked(ctx context.Context, c capture.Constraints) error {
	if o.lease != nil && o.lease.Live() {
		cur := o.lease.Constraints()
		if cur == c {
			return nil
		}
		if cur.Facing != c.Facing {
			cur.Facing = c.Facing
			if cur == c {
				o.stopLeaseWatchLocked()
				l, err := o.deps.Surface.SwitchFacing(ctx)
				o.lease = nil
				if err != nil {
					return err
				}
				o.watchLeaseLocked(l)
				return nil
			}
		}
	}

	o.releaseCameraLocked()
	l, err := o.deps.Surface.Acquire(ctx, c)
	if err != nil {
		return err
	}
	o.watchLeaseLocked(l)
	return nil
}

func (o *Orchestrator) watchLeaseLocked(l *capture.Lease) {
	ctx, cancel := context.WithCancel(o.base)
	o.lease = l
	o.leaseCancel = cancel
	go o.watchLease(ctx, o.session, l)
}

// watchLease notices a camera that dies mid-stage (unplugged, process killed).
func (o *Orchestrator) watchLease(ctx context.Context, session string, l *capture.Lease) {
	for {
		if _, err := l.Next(ctx); err != nil {
			if errors.Is(err, types.ErrDeviceUnavailable) {
				o.onDeviceLost(session, l, err)
			}
			return
		}
	}
}

func (o *Orchestrator) onDeviceLost(session string, l *capture.Lease, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session != session || o.lease != l {
		return
	}
	switch o.state {
	case ScanningDocument, ScanningFace:
		o.failDeviceLocked(o.state, err)
	default:
		o.releaseCameraLocked()
	}
}

func (o *Orchestrator) stopLeaseWatchLocked() {
	if o.leaseCancel != nil {
		o.leaseCancel()
		o.leaseCancel = nil
	}
}

func (o *Orchestrator) releaseCameraLocked() {
	o.stopLeaseWatchLocked()
	if o.lease == nil {
		return
	}
	if err := o.deps.Surface.Release(); err != nil {
		slog.Warn("pipeline: camera release failed", "session", o.session, "err", err)
	}
	o.lease = nil
}

// --- terminal and reporting ---

func (o *Orchestrator) failDeviceLocked(stage State, err error) {
	o.deps.Metrics.DeviceErrors.Add(1)
	o.failedAt = stage
	slog.Error("pipeline: camera failure", "session", o.session, "stage", stage, "err", err)
	o.terminalLocked(Failure, ReasonDevice, err)
}

func (o *Orchestrator) terminalLocked(state State, reason Reason, err error) {
	o.stopActiveLocked()
	o.releaseCameraLocked()
	o.reason = reason
	o.lastErr = err
	o.setStateLocked(state)

	outcome := "success"
	if state == Failure {
		outcome = reason.String()
	}
	o.deps.Metrics.Terminal(o.mode.String(), outcome)
}

func (o *Orchestrator) setStateLocked(s State) {
	prev := o.state
	o.state = s
	slog.Debug("pipeline: transition", "session", o.session, "from", prev, "to", s, "reason", o.reason)
	o.emitLocked(o.lastErr)
}

// reportLocked surfaces a non-fatal error without changing state.
func (o *Orchestrator) reportLocked(err error) {
	if !o.state.Terminal() {
		o.lastErr = err
	}
	o.emitLocked(err)
}

func (o *Orchestrator) emitLocked(err error) {
	ev := Event{Session: o.session, State: o.state, Reason: o.reason, Err: err, At: time.Now()}
	select {
	case o.events <- ev:
	default:
		slog.Debug("pipeline: event dropped", "session", o.session, "state", o.state)
	}
}

// --- queries ---

// Events delivers transitions and user-facing errors. Events are dropped, not queued
// without bound, when nobody reads.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// OnFrameReady registers a preview callback for every camera frame.
func (o *Orchestrator) OnFrameReady(cb func(*types.Frame)) {
	o.deps.Surface.OnFrameReady(cb)
}

// State returns the current stage.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// ActiveDetector returns the loop that currently owns the camera.
func (o *Orchestrator) ActiveDetector() Detector {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// Signal returns the latest face signal while scanning the face.
func (o *Orchestrator) Signal() types.FaceSignal {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.faceLoop == nil {
		return types.FaceSignal{}
	}
	return o.faceLoop.Latest()
}

// CanCapture reports whether the latest signal shows exactly one centered face.
func (o *Orchestrator) CanCapture() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.canCaptureLocked()
}

func (o *Orchestrator) canCaptureLocked() bool {
	return o.state == ScanningFace && o.faceLoop != nil && o.lease != nil &&
		o.faceLoop.Latest().Ready() && o.lease.Latest() != nil
}

// Result returns a consistent copy of the session.
func (o *Orchestrator) Result() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := Snapshot{
		Session:   o.session,
		Mode:      o.mode.String(),
		UserID:    o.userID,
		State:     o.state.String(),
		Reason:    o.reason.String(),
		Active:    o.active.String(),
		AttemptID: o.attemptID,
	}
	if o.code != nil {
		c := *o.code
		s.Code = &c
	}
	if o.fields != nil {
		s.Fields = make(types.Fields, len(o.fields))
		for k, v := range o.fields {
			s.Fields[k] = v
		}
	}
	if o.result != nil {
		r := *o.result
		s.Match = &r
	}
	if o.faceLoop != nil {
		s.Signal = o.faceLoop.Latest()
	}
	if o.lastErr != nil {
		s.Error = o.lastErr.Error()
	}
	return s
}

// Err returns the last error reported for the session, if any.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}
