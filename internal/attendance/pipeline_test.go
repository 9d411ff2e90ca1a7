package attendance

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartattend/internal/antifraud"
	"smartattend/internal/facematch"
	"smartattend/internal/geofence"
	"smartattend/internal/ledger"
	"smartattend/internal/logging"
	"smartattend/internal/notify"
	"smartattend/internal/profile"
)

type fakeProfiles struct {
	students map[string]*profile.Student
}

func (f *fakeProfiles) StudentByID(_ context.Context, id string) (*profile.Student, error) {
	s, ok := f.students[id]
	if !ok {
		return nil, profile.ErrNotFound
	}
	return s, nil
}

type fakeClasses struct{ teacherID string }

func (f *fakeClasses) TeacherID(context.Context, string) (string, error) {
	return f.teacherID, nil
}

type fakeRecords struct {
	records []Record
}

func (f *fakeRecords) Exists(_ context.Context, studentID, classID, date string) (bool, error) {
	for _, r := range f.records {
		if r.StudentID == studentID && r.ClassID == classID && r.Date == date {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRecords) Insert(_ context.Context, rec Record) (Record, error) {
	rec.ID = fmt.Sprintf("rec-%d", len(f.records)+1)
	f.records = append(f.records, rec)
	return rec, nil
}

type fakeLedger struct {
	max      int
	counts   map[string]int
	recorded int
}

func newFakeLedger(max int) *fakeLedger {
	return &fakeLedger{max: max, counts: map[string]int{}}
}

func (f *fakeLedger) key(s, c, d string) string { return s + "|" + c + "|" + d }

func (f *fakeLedger) MaxAttempts() int { return f.max }

func (f *fakeLedger) CheckLimit(_ context.Context, s, c, d string) (ledger.Limit, error) {
	count := f.counts[f.key(s, c, d)]
	remaining := f.max - count
	if remaining < 0 {
		remaining = 0
	}
	return ledger.Limit{IsBlocked: count >= f.max, CurrentCount: count, Remaining: remaining}, nil
}

func (f *fakeLedger) RecordAttempt(_ context.Context, s, c, d string, _, _, _, _ float64) (int, error) {
	f.counts[f.key(s, c, d)]++
	f.recorded++
	return f.counts[f.key(s, c, d)], nil
}

type fakeLiveness struct {
	conf  float64
	calls int
}

func (f *fakeLiveness) Check(context.Context, []byte) (antifraud.LivenessResult, error) {
	f.calls++
	return antifraud.LivenessResult{IsLive: f.conf >= 0.6, Confidence: f.conf}, nil
}

type fakeDeepfake struct{ conf float64 }

func (f *fakeDeepfake) Detect(context.Context, []byte) (antifraud.DeepfakeResult, error) {
	return antifraud.DeepfakeResult{IsDeepfake: f.conf > 0.5, Confidence: f.conf}, nil
}

type fakeMatcher struct {
	sim       float64
	threshold float64
	err       error
	calls     int
}

func (f *fakeMatcher) Match(context.Context, []byte, []float64) (facematch.Result, error) {
	f.calls++
	if f.err != nil {
		return facematch.Result{}, f.err
	}
	return facematch.Result{IsMatch: f.sim >= f.threshold, Similarity: f.sim}, nil
}

type fakeGeofence struct{ result geofence.Result }

func (f *fakeGeofence) Validate(float64, float64) geofence.Result { return f.result }

type fakeNotifier struct {
	dispatched []notify.Payload
	teachers   []string
}

func (f *fakeNotifier) Dispatch(_ context.Context, teacherID string, p notify.Payload) string {
	f.dispatched = append(f.dispatched, p)
	f.teachers = append(f.teachers, teacherID)
	return notify.Queued
}

type harness struct {
	pipeline *Pipeline
	profiles *fakeProfiles
	records  *fakeRecords
	ledger   *fakeLedger
	liveness *fakeLiveness
	deepfake *fakeDeepfake
	matcher  *fakeMatcher
	geo      *fakeGeofence
	notifier *fakeNotifier
	decodes  int
}

func enrolledStudent() *profile.Student {
	return &profile.Student{
		ID:       "student-1",
		Username: "student1",
		FullName: "Student One",
		Role:     "student",
		Reference: &profile.ReferenceEmbedding{
			Vector:      []float64{0.5, 0.5, 0.5, 0.5},
			Norm:        1,
			CreatedAt:   time.Now().UTC(),
			SampleCount: 3,
		},
	}
}

func newHarness() *harness {
	h := &harness{
		profiles: &fakeProfiles{students: map[string]*profile.Student{"student-1": enrolledStudent()}},
		records:  &fakeRecords{},
		ledger:   newFakeLedger(2),
		liveness: &fakeLiveness{conf: 0.85},
		deepfake: &fakeDeepfake{conf: 0.02},
		matcher:  &fakeMatcher{sim: 0.95, threshold: 0.90},
		geo:      &fakeGeofence{result: geofence.Result{IsValid: true, DistanceMeters: 45.2}},
		notifier: &fakeNotifier{},
	}
	h.pipeline = &Pipeline{
		Profiles: h.profiles,
		Classes:  &fakeClasses{teacherID: "teacher-1"},
		Records:  h.records,
		Ledger:   h.ledger,
		Liveness: h.liveness,
		Deepfake: h.deepfake,
		Matcher:  h.matcher,
		Geofence: h.geo,
		Notifier: h.notifier,
		Log:      logging.New("test"),
		Decode: func(string) ([]byte, error) {
			h.decodes++
			return []byte("pixels"), nil
		},
	}
	return h
}

func request() CheckInRequest {
	return CheckInRequest{
		StudentID: "student-1",
		ClassID:   "class-1",
		Latitude:  10.762622,
		Longitude: 106.660172,
		Image:     "aW1n",
	}
}

func rejection(t *testing.T, err error) *CheckInError {
	t.Helper()
	var e *CheckInError
	require.ErrorAs(t, err, &e)
	return e
}

func TestRunSuccess(t *testing.T) {
	h := newHarness()

	res, err := h.pipeline.Run(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, 0.95, res.Match.Similarity)
	assert.Equal(t, 45.2, res.Geofence.DistanceMeters)
	assert.Equal(t, "present", res.Record.Status)
	require.Len(t, h.records.records, 1)
	assert.Equal(t, 0.95, h.records.records[0].Similarity)

	require.Len(t, h.notifier.dispatched, 1)
	assert.Equal(t, notify.TypeAttendanceUpdate, h.notifier.dispatched[0].Type)
	assert.Equal(t, "present", h.notifier.dispatched[0].Status)
	assert.Equal(t, "teacher-1", h.notifier.teachers[0])
	assert.Equal(t, "Student One", h.notifier.dispatched[0].StudentName)
	assert.Zero(t, h.ledger.recorded)
}

func TestRunFaceIDNotConfigured(t *testing.T) {
	h := newHarness()
	h.profiles.students["student-1"].Reference = nil

	_, err := h.pipeline.Run(context.Background(), request())
	e := rejection(t, err)
	assert.Equal(t, KindFaceIDNotConfigured, e.Kind)
	// Rejected before any image or model work.
	assert.Zero(t, h.decodes)
	assert.Zero(t, h.matcher.calls)
}

func TestRunImageInvalid(t *testing.T) {
	h := newHarness()
	h.pipeline.Decode = func(string) ([]byte, error) {
		return nil, errors.New("bad payload")
	}

	_, err := h.pipeline.Run(context.Background(), request())
	assert.Equal(t, KindImageInvalid, rejection(t, err).Kind)
	assert.Zero(t, h.liveness.calls)
}

func TestRunLivenessFailed(t *testing.T) {
	h := newHarness()
	h.liveness.conf = 0.4

	_, err := h.pipeline.Run(context.Background(), request())
	assert.Equal(t, KindLivenessFailed, rejection(t, err).Kind)
	assert.Zero(t, h.matcher.calls)
}

func TestRunDeepfakeDetected(t *testing.T) {
	h := newHarness()
	h.deepfake.conf = 0.75

	_, err := h.pipeline.Run(context.Background(), request())
	assert.Equal(t, KindDeepfakeDetected, rejection(t, err).Kind)
	assert.Zero(t, h.matcher.calls)
}

func TestRunIdentityMismatch(t *testing.T) {
	h := newHarness()
	h.matcher.sim = 0.65
	// Out-of-range location must not matter for a mismatch.
	h.geo.result = geofence.Result{IsValid: false, DistanceMeters: 250.5}

	_, err := h.pipeline.Run(context.Background(), request())
	e := rejection(t, err)
	assert.Equal(t, KindIdentityMismatch, e.Kind)
	assert.Contains(t, e.Message, "65.0%")
	require.NotNil(t, e.Similarity)
	assert.Equal(t, 0.65, *e.Similarity)

	// Mismatches never consume geofence attempts.
	assert.Zero(t, h.ledger.recorded)

	require.Len(t, h.notifier.dispatched, 1)
	assert.Equal(t, string(KindIdentityMismatch), h.notifier.dispatched[0].Status)
}

func TestRunEmbeddingExtractionFailure(t *testing.T) {
	h := newHarness()
	h.matcher.err = fmt.Errorf("%w: model saw nothing", facematch.ErrEmbeddingExtractionFailed)

	_, err := h.pipeline.Run(context.Background(), request())
	assert.Equal(t, KindImageInvalid, rejection(t, err).Kind)
}

func TestRunMatcherOutageIsInternal(t *testing.T) {
	h := newHarness()
	// A service outage must not tell the client to recapture the image.
	h.matcher.err = errors.New("face service error 503 Service Unavailable")

	_, err := h.pipeline.Run(context.Background(), request())
	assert.Equal(t, KindInternal, rejection(t, err).Kind)
}

func TestRunGeofenceInvalidFirstAttempt(t *testing.T) {
	h := newHarness()
	h.matcher.sim = 0.95
	h.geo.result = geofence.Result{IsValid: false, DistanceMeters: 250.5}

	_, err := h.pipeline.Run(context.Background(), request())
	e := rejection(t, err)
	assert.Equal(t, KindGeofenceInvalid, e.Kind)
	require.NotNil(t, e.AttemptNumber)
	assert.Equal(t, 1, *e.AttemptNumber)
	require.NotNil(t, e.RemainingAttempts)
	assert.Equal(t, 1, *e.RemainingAttempts)
	require.NotNil(t, e.DistanceMeters)
	assert.Equal(t, 250.5, *e.DistanceMeters)
	assert.False(t, e.MaxAttemptsReached)

	require.Len(t, h.notifier.dispatched, 1)
	assert.Equal(t, notify.TypeGeofenceInvalid, h.notifier.dispatched[0].Type)
	assert.Empty(t, h.records.records)
}

func TestRunGeofenceSecondFailureHitsCap(t *testing.T) {
	h := newHarness()
	h.geo.result = geofence.Result{IsValid: false, DistanceMeters: 250.5}

	_, err := h.pipeline.Run(context.Background(), request())
	assert.Equal(t, KindGeofenceInvalid, rejection(t, err).Kind)

	_, err = h.pipeline.Run(context.Background(), request())
	e := rejection(t, err)
	assert.Equal(t, KindGeofenceMaxAttemptsReached, e.Kind)
	require.NotNil(t, e.RemainingAttempts)
	assert.Equal(t, 0, *e.RemainingAttempts)
	assert.True(t, e.MaxAttemptsReached)
	assert.Equal(t, 2, h.ledger.recorded)
}

func TestRunBlockedAttemptSkipsFaceChecks(t *testing.T) {
	h := newHarness()
	h.geo.result = geofence.Result{IsValid: false, DistanceMeters: 250.5}

	// Burn through the daily cap.
	for i := 0; i < 2; i++ {
		_, err := h.pipeline.Run(context.Background(), request())
		require.Error(t, err)
	}
	matcherCalls := h.matcher.calls
	decodes := h.decodes

	_, err := h.pipeline.Run(context.Background(), request())
	e := rejection(t, err)
	assert.Equal(t, KindGeofenceMaxAttemptsReached, e.Kind)
	assert.True(t, e.MaxAttemptsReached)

	// Fail-fast path must not re-run the expensive checks.
	assert.Equal(t, matcherCalls, h.matcher.calls)
	assert.Equal(t, decodes, h.decodes)
	assert.Equal(t, 2, h.ledger.recorded)
}

func TestRunDuplicateCheckIn(t *testing.T) {
	h := newHarness()

	_, err := h.pipeline.Run(context.Background(), request())
	require.NoError(t, err)

	_, err = h.pipeline.Run(context.Background(), request())
	assert.Equal(t, KindAlreadyCheckedIn, rejection(t, err).Kind)
	assert.Len(t, h.records.records, 1)
}

func TestRunDuplicateStillEvaluatesFraudChecks(t *testing.T) {
	h := newHarness()

	_, err := h.pipeline.Run(context.Background(), request())
	require.NoError(t, err)

	// A deepfake against an existing record is reported as fraud, not as a
	// harmless duplicate.
	h.deepfake.conf = 0.9
	_, err = h.pipeline.Run(context.Background(), request())
	assert.Equal(t, KindDeepfakeDetected, rejection(t, err).Kind)
}

func TestRunNewDateResetsAttempts(t *testing.T) {
	h := newHarness()
	h.geo.result = geofence.Result{IsValid: false, DistanceMeters: 250.5}

	day1 := request()
	day1.Timestamp = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		_, err := h.pipeline.Run(context.Background(), day1)
		require.Error(t, err)
	}

	// The key includes the date, so the next day starts fresh.
	h.geo.result = geofence.Result{IsValid: true, DistanceMeters: 45.2}
	day2 := request()
	day2.Timestamp = time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	_, err := h.pipeline.Run(context.Background(), day2)
	assert.NoError(t, err)
}
