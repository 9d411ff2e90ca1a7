package attendance

import "fmt"

// Kind identifies why a check-in was rejected.
type Kind string

// Rejection kinds, in pipeline order.
const (
	KindFaceIDNotConfigured        Kind = "face_id_not_configured"
	KindGeofenceMaxAttemptsReached Kind = "geofence_max_attempts_reached"
	KindImageInvalid               Kind = "image_invalid"
	KindLivenessFailed             Kind = "liveness_failed"
	KindDeepfakeDetected           Kind = "deepfake_detected"
	KindIdentityMismatch           Kind = "identity_mismatch"
	KindGeofenceInvalid            Kind = "geofence_invalid"
	KindAlreadyCheckedIn           Kind = "already_checked_in"
	KindInternal                   Kind = "internal"
)

// CheckInError is a terminal pipeline rejection. Numeric details are carried
// so the client can render an actionable message.
type CheckInError struct {
	Kind    Kind
	Message string

	DistanceMeters     *float64
	Similarity         *float64
	AttemptNumber      *int
	RemainingAttempts  *int
	MaxAttemptsReached bool

	cause error
}

// Error implements error.
func (e *CheckInError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause.
func (e *CheckInError) Unwrap() error {
	return e.cause
}

func reject(kind Kind, message string) *CheckInError {
	return &CheckInError{Kind: kind, Message: message}
}

func internalErr(message string, cause error) *CheckInError {
	return &CheckInError{Kind: KindInternal, Message: message, cause: cause}
}

func ptr[T any](v T) *T { return &v }
