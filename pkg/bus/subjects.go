package bus

import "strings"

// SubjectPrefix is the canonical prefix for event subjects.
const SubjectPrefix = "eventra.v1.events"

// Subject returns the canonical subject for an event type.
func Subject(eventType string) string {
	return SubjectPrefix + "." + sanitizeSegment(eventType)
}

// WildcardSubject matches every event subject.
func WildcardSubject() string {
	return SubjectPrefix + ".>"
}

// EventTypeFromSubject recovers the event type segment of a subject.
func EventTypeFromSubject(subject string) string {
	if !strings.HasPrefix(subject, SubjectPrefix+".") {
		return ""
	}
	return strings.TrimPrefix(subject, SubjectPrefix+".")
}

func sanitizeSegment(value string) string {
	if value == "" {
		return "unknown"
	}
	return strings.ReplaceAll(value, ".", "_")
}
