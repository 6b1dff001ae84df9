// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionKey = "session_key"
	FieldMeetingKey = "meeting_key"
	FieldTrack      = "track"
	FieldDriver     = "driver"
	FieldComponent  = "component"

	// Pipeline fields
	FieldEvent  = "event"
	FieldTopic  = "topic"
	FieldSource = "source"
	FieldRoom   = "room"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldLap      = "lap"
	FieldReason   = "reason"

	// Replay fields
	FieldGeneration = "generation"
	FieldPhase      = "phase"
	FieldSpeed      = "speed"
)
