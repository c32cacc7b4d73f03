package notifier

import (
	"fmt"
	"time"
)

// Status values carried by an Event.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Event is the outcome of one source as seen by notifiers. Fields are tagged for
// the JSON encoders used by the webhook and NATS notifiers.
type Event struct {
	Status     string    `json:"status"`
	SourceID   string    `json:"source_id"`
	SourceType string    `json:"source_type"`
	Host       string    `json:"host"`
	Artifact   string    `json:"artifact,omitempty"`
	Error      string    `json:"error,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	Time       time.Time `json:"time"`
}

// SuccessEvent builds the event passed to ReportSuccess implementations.
func SuccessEvent(sourceID, sourceType, host, artifactName string) Event {
	return Event{
		Status:     StatusSuccess,
		SourceID:   sourceID,
		SourceType: sourceType,
		Host:       host,
		Artifact:   artifactName,
		Time:       time.Now().UTC(),
	}
}

// FailureEvent builds the event passed to ReportFailure implementations.
func FailureEvent(sourceID, sourceType, host string, cause error) Event {
	ev := Event{
		Status:     StatusFailure,
		SourceID:   sourceID,
		SourceType: sourceType,
		Host:       host,
		Time:       time.Now().UTC(),
	}
	if cause != nil {
		ev.Error = cause.Error()
	} else {
		ev.Error = "unknown error"
	}
	return ev
}

// Succeeded reports whether the event describes a successful backup.
func (e Event) Succeeded() bool { return e.Status == StatusSuccess }

// Subject is a one-line summary suitable for a mail subject or chat title.
func (e Event) Subject() string {
	if e.Succeeded() {
		return fmt.Sprintf("Backup of %s %q on %s succeeded", e.SourceType, e.SourceID, e.Host)
	}
	return fmt.Sprintf("Backup of %s %q on %s FAILED", e.SourceType, e.SourceID, e.Host)
}

// Text is the multi-line body used by mail and chat notifiers.
func (e Event) Text() string {
	s := e.Subject() + "\n\n" +
		"host:   " + e.Host + "\n" +
		"type:   " + e.SourceType + "\n" +
		"source: " + e.SourceID + "\n" +
		"time:   " + e.Time.Format(time.RFC3339) + "\n"
	if e.RunID != "" {
		s += "run:    " + e.RunID + "\n"
	}
	if e.Succeeded() {
		return s + "file:   " + e.Artifact + "\n"
	}
	return s + "error:  " + e.Error + "\n"
}
