// Package attendance runs the check-in verification pipeline: the ordered
// anti-fraud checks that turn a (face image, GPS coordinate, class, student)
// tuple into an accept/reject decision, plus the attempt-limiting and
// teacher-notification side effects on the transitions that require them.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"smartattend/internal/antifraud"
	"smartattend/internal/facematch"
	"smartattend/internal/geofence"
	"smartattend/internal/imagecodec"
	"smartattend/internal/ledger"
	"smartattend/internal/notify"
	"smartattend/internal/profile"
)

// CheckInRequest is one pipeline invocation. It exists only for the duration
// of the call.
type CheckInRequest struct {
	StudentID string
	ClassID   string
	Latitude  float64
	Longitude float64
	Image     string
	Timestamp time.Time
}

// Result is a successful check-in with every check's outcome.
type Result struct {
	Record   Record
	Liveness antifraud.LivenessResult
	Deepfake antifraud.DeepfakeResult
	Match    facematch.Result
	Geofence geofence.Result
}

// ProfileStore loads student identities and reference embeddings.
type ProfileStore interface {
	StudentByID(ctx context.Context, id string) (*profile.Student, error)
}

// ClassDirectory resolves the teacher responsible for a class.
type ClassDirectory interface {
	TeacherID(ctx context.Context, classID string) (string, error)
}

// RecordStore persists attendance records.
type RecordStore interface {
	Exists(ctx context.Context, studentID, classID, date string) (bool, error)
	Insert(ctx context.Context, rec Record) (Record, error)
}

// AttemptLedger caps per-day geofence failures.
type AttemptLedger interface {
	MaxAttempts() int
	CheckLimit(ctx context.Context, studentID, classID, date string) (ledger.Limit, error)
	RecordAttempt(ctx context.Context, studentID, classID, date string, lat, lon, distance, similarity float64) (int, error)
}

// LivenessChecker scores whether the image depicts a live subject.
type LivenessChecker interface {
	Check(ctx context.Context, img []byte) (antifraud.LivenessResult, error)
}

// DeepfakeDetector scores whether the image is synthetic.
type DeepfakeDetector interface {
	Detect(ctx context.Context, img []byte) (antifraud.DeepfakeResult, error)
}

// FaceMatcher compares the image against the stored reference embedding.
type FaceMatcher interface {
	Match(ctx context.Context, img []byte, ref []float64) (facematch.Result, error)
}

// GeofenceValidator checks the submitted coordinate against the site.
type GeofenceValidator interface {
	Validate(lat, lon float64) geofence.Result
}

// Notifier delivers an outcome to the responsible teacher. Implementations
// must not block or fail the check-in.
type Notifier interface {
	Dispatch(ctx context.Context, teacherID string, p notify.Payload) string
}

// Pipeline orchestrates the checks in a fixed order with fail-fast
// short-circuiting. Every failed check is terminal for the request; retries
// are client-initiated.
type Pipeline struct {
	Profiles ProfileStore
	Classes  ClassDirectory
	Records  RecordStore
	Ledger   AttemptLedger
	Liveness LivenessChecker
	Deepfake DeepfakeDetector
	Matcher  FaceMatcher
	Geofence GeofenceValidator
	Notifier Notifier
	Log      *logrus.Entry

	// Decode is swappable in tests; defaults to imagecodec.Decode.
	Decode func(payload string) ([]byte, error)

	// StageTimeout bounds each model-service call.
	StageTimeout time.Duration
}

const defaultStageTimeout = 10 * time.Second

// Run executes the pipeline. On rejection the returned error is always a
// *CheckInError carrying the specific kind and numeric details.
func (p *Pipeline) Run(ctx context.Context, req CheckInRequest) (*Result, error) {
	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	date := ts.UTC().Format("2006-01-02")

	log := p.Log.WithFields(logrus.Fields{
		"student_id": req.StudentID,
		"class_id":   req.ClassID,
		"date":       date,
	})

	// A student without a reference embedding cannot be evaluated at all;
	// fail before touching the image.
	student, err := p.Profiles.StudentByID(ctx, req.StudentID)
	if err != nil {
		return nil, internalErr("load student profile", err)
	}
	if !student.HasFaceID() {
		return nil, reject(KindFaceIDNotConfigured, "face enrollment required before check-in")
	}

	// Once the daily cap is hit, attempts fail fast without re-running the
	// expensive face checks.
	limit, err := p.Ledger.CheckLimit(ctx, req.StudentID, req.ClassID, date)
	if err != nil {
		return nil, internalErr("check geofence attempt limit", err)
	}
	if limit.IsBlocked {
		e := reject(KindGeofenceMaxAttemptsReached, "daily geofence attempt limit reached")
		e.AttemptNumber = ptr(limit.CurrentCount)
		e.RemainingAttempts = ptr(0)
		e.MaxAttemptsReached = true
		return nil, e
	}

	decode := p.Decode
	if decode == nil {
		decode = imagecodec.Decode
	}
	img, err := decode(req.Image)
	if err != nil {
		return nil, reject(KindImageInvalid, "image payload could not be decoded")
	}

	live, err := p.liveness(ctx, img)
	if err != nil {
		return nil, internalErr("liveness check", err)
	}
	if !live.IsLive {
		return nil, reject(KindLivenessFailed,
			fmt.Sprintf("liveness confidence %.2f below required minimum", live.Confidence))
	}

	fake, err := p.deepfake(ctx, img)
	if err != nil {
		return nil, internalErr("deepfake check", err)
	}
	if fake.IsDeepfake {
		return nil, reject(KindDeepfakeDetected,
			fmt.Sprintf("image flagged as synthetic with confidence %.2f", fake.Confidence))
	}

	match, err := p.match(ctx, img, student.Reference.Vector)
	if err != nil {
		if errors.Is(err, facematch.ErrEmbeddingExtractionFailed) {
			return nil, reject(KindImageInvalid, "no face could be extracted from the image")
		}
		return nil, internalErr("face match", err)
	}
	if !match.IsMatch {
		// Identity mismatches never consume geofence attempts; they are a
		// different fraud signal and are reported to the teacher directly.
		p.notifyTeacher(ctx, log, student, req.ClassID, notify.Payload{
			Type:       notify.TypeAttendanceUpdate,
			Status:     string(KindIdentityMismatch),
			Timestamp:  ts,
			Similarity: ptr(match.Similarity),
		})
		e := reject(KindIdentityMismatch,
			fmt.Sprintf("face similarity %.1f%% below required threshold", match.Similarity*100))
		e.Similarity = ptr(match.Similarity)
		return nil, e
	}

	geo := p.Geofence.Validate(req.Latitude, req.Longitude)
	if !geo.IsValid {
		return nil, p.geofenceFailure(ctx, log, student, req, ts, date, geo, match)
	}

	// Duplicate check runs after the anti-fraud checks so that a fraud
	// attempt against an already-checked-in record is still evaluated and
	// logged rather than silently short-circuited.
	exists, err := p.Records.Exists(ctx, req.StudentID, req.ClassID, date)
	if err != nil {
		return nil, internalErr("duplicate check", err)
	}
	if exists {
		return nil, reject(KindAlreadyCheckedIn, "attendance already recorded for today")
	}

	rec, err := p.Records.Insert(ctx, Record{
		StudentID:          req.StudentID,
		ClassID:            req.ClassID,
		Date:               date,
		CheckInTime:        ts,
		Latitude:           req.Latitude,
		Longitude:          req.Longitude,
		DistanceMeters:     geo.DistanceMeters,
		Similarity:         match.Similarity,
		LivenessConfidence: live.Confidence,
		DeepfakeConfidence: fake.Confidence,
		Status:             "present",
	})
	if err != nil {
		return nil, internalErr("write attendance record", err)
	}

	p.notifyTeacher(ctx, log, student, req.ClassID, notify.Payload{
		Type:           notify.TypeAttendanceUpdate,
		Status:         "present",
		Timestamp:      ts,
		DistanceMeters: ptr(geo.DistanceMeters),
		Similarity:     ptr(match.Similarity),
	})

	log.WithField("attendance_id", rec.ID).Info("check-in recorded")
	return &Result{
		Record:   rec,
		Liveness: live,
		Deepfake: fake,
		Match:    match,
		Geofence: geo,
	}, nil
}

// geofenceFailure records the attempt, notifies the teacher and builds the
// terminal rejection. The ledger entry is written only here, after a face
// match succeeded.
func (p *Pipeline) geofenceFailure(ctx context.Context, log *logrus.Entry, student *profile.Student, req CheckInRequest, ts time.Time, date string, geo geofence.Result, match facematch.Result) *CheckInError {
	newCount, err := p.Ledger.RecordAttempt(ctx, req.StudentID, req.ClassID, date,
		req.Latitude, req.Longitude, geo.DistanceMeters, match.Similarity)
	if err != nil {
		return internalErr("record geofence attempt", err)
	}

	p.notifyTeacher(ctx, log, student, req.ClassID, notify.Payload{
		Type:           notify.TypeGeofenceInvalid,
		Status:         string(KindGeofenceInvalid),
		Timestamp:      ts,
		DistanceMeters: ptr(geo.DistanceMeters),
		Similarity:     ptr(match.Similarity),
	})

	remaining := p.Ledger.MaxAttempts() - newCount
	if remaining <= 0 {
		e := reject(KindGeofenceMaxAttemptsReached, "daily geofence attempt limit reached")
		e.DistanceMeters = ptr(geo.DistanceMeters)
		e.AttemptNumber = ptr(newCount)
		e.RemainingAttempts = ptr(0)
		e.MaxAttemptsReached = true
		return e
	}

	e := reject(KindGeofenceInvalid,
		fmt.Sprintf("location %.2fm from site, outside allowed radius", geo.DistanceMeters))
	e.DistanceMeters = ptr(geo.DistanceMeters)
	e.Similarity = ptr(match.Similarity)
	e.AttemptNumber = ptr(newCount)
	e.RemainingAttempts = ptr(remaining)
	return e
}

// notifyTeacher resolves the class teacher and dispatches fire-and-forget.
func (p *Pipeline) notifyTeacher(ctx context.Context, log *logrus.Entry, student *profile.Student, classID string, payload notify.Payload) {
	teacherID, err := p.Classes.TeacherID(ctx, classID)
	if err != nil {
		log.WithError(err).Warn("cannot resolve teacher for notification")
		return
	}

	payload.ClassID = classID
	payload.StudentID = student.ID
	payload.StudentName = student.FullName
	if payload.StudentName == "" {
		payload.StudentName = student.Username
	}

	outcome := p.Notifier.Dispatch(ctx, teacherID, payload)
	log.WithFields(logrus.Fields{
		"teacher_id": teacherID,
		"type":       payload.Type,
		"delivery":   outcome,
	}).Debug("teacher notified")
}

func (p *Pipeline) liveness(ctx context.Context, img []byte) (antifraud.LivenessResult, error) {
	ctx, cancel := p.stageContext(ctx)
	defer cancel()
	return p.Liveness.Check(ctx, img)
}

func (p *Pipeline) deepfake(ctx context.Context, img []byte) (antifraud.DeepfakeResult, error) {
	ctx, cancel := p.stageContext(ctx)
	defer cancel()
	return p.Deepfake.Detect(ctx, img)
}

func (p *Pipeline) match(ctx context.Context, img []byte, ref []float64) (facematch.Result, error) {
	ctx, cancel := p.stageContext(ctx)
	defer cancel()
	return p.Matcher.Match(ctx, img, ref)
}

func (p *Pipeline) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := p.StageTimeout
	if timeout <= 0 {
		timeout = defaultStageTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
