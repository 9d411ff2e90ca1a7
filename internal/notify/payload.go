// Package notify delivers pipeline outcomes to the responsible teacher:
// live over a registered websocket when possible, otherwise durably queued
// for redelivery when the teacher reconnects.
package notify

import "time"

// Payload types pushed to teachers.
const (
	TypeAttendanceUpdate = "attendance_update"
	TypeGeofenceInvalid  = "geofence_invalid"
)

// Payload describes a pipeline outcome for the teacher's dashboard.
type Payload struct {
	Type           string    `json:"type"`
	ClassID        string    `json:"class_id"`
	StudentID      string    `json:"student_id"`
	StudentName    string    `json:"student_name"`
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	DistanceMeters *float64  `json:"distance_meters,omitempty"`
	Similarity     *float64  `json:"similarity,omitempty"`
}
