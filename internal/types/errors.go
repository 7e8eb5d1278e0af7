package types

import "errors"

var (
	// Capture surface
	ErrDeviceUnavailable = errors.New("camera device unavailable")
	ErrPermissionDenied  = errors.New("camera permission denied")
	ErrDeviceBusy        = errors.New("camera device already leased")

	// Descriptor extraction (user-facing, retryable)
	ErrNoFaceFound     = errors.New("no face found")
	ErrAmbiguousFaces  = errors.New("multiple faces found")
	ErrDetectionFailed = errors.New("face detection failed")

	// Matching
	ErrLengthMismatch = errors.New("descriptor length mismatch")

	// Document reading
	ErrDecodeExhausted = errors.New("no barcode decoded after all fallback tiers")

	// Store collaborators
	ErrNotFound = errors.New("not found")

	// Orchestrator
	ErrBusy              = errors.New("operation already in progress")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotReady          = errors.New("face not ready for capture")
)

// Kind classifies errors into the pipeline's error taxonomy.
type Kind int

const (
	KindNone Kind = iota
	KindDevice
	KindDetectionTransient
	KindCaptureFailure
	KindDecodeExhausted
	KindLengthMismatch
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindDevice:
		return "device_error"
	case KindDetectionTransient:
		return "detection_transient"
	case KindCaptureFailure:
		return "capture_failure"
	case KindDecodeExhausted:
		return "decode_exhausted"
	case KindLengthMismatch:
		return "length_mismatch"
	default:
		return "other"
	}
}

// KindOf maps an error onto the taxonomy. Wrapped errors are unwrapped with errors.Is.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrDeviceUnavailable), errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrDeviceBusy):
		return KindDevice
	case errors.Is(err, ErrDetectionFailed):
		return KindDetectionTransient
	case errors.Is(err, ErrNoFaceFound), errors.Is(err, ErrAmbiguousFaces):
		return KindCaptureFailure
	case errors.Is(err, ErrDecodeExhausted):
		return KindDecodeExhausted
	case errors.Is(err, ErrLengthMismatch):
		return KindLengthMismatch
	default:
		return KindOther
	}
}

// UserFacing reports whether the error should be surfaced to the person in front of the camera.
func UserFacing(err error) bool {
	switch KindOf(err) {
	case KindDevice, KindCaptureFailure, KindDecodeExhausted:
		return true
	default:
		return false
	}
}
