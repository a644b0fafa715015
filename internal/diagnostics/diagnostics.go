// Package diagnostics collects the structured notes a protection run
// accumulates as it goes — warnings about skipped members, errors from a
// pass that aborted early, informational notes about what was applied —
// so the caller gets one coherent report instead of scattered log lines.
package diagnostics

import "fmt"

// Severity classifies a diagnostics entry.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "info"
	}
}

// Entry is one recorded diagnostic.
type Entry struct {
	Severity Severity
	PassID   string
	Message  string
}

func (e Entry) String() string {
	if e.PassID == "" {
		return fmt.Sprintf("[%s] %s", e.Severity, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Severity, e.PassID, e.Message)
}

// Log accumulates Entry values in emission order.
type Log struct {
	entries []Entry
}

// NewLog returns an empty diagnostics log.
func NewLog() *Log {
	return &Log{}
}

func (l *Log) add(sev Severity, passID, format string, args []any) {
	l.entries = append(l.entries, Entry{
		Severity: sev,
		PassID:   passID,
		Message:  fmt.Sprintf(format, args...),
	})
}

// Info records an informational note for passID.
func (l *Log) Info(passID, format string, args ...any) { l.add(SeverityInfo, passID, format, args) }

// Warn records a warning for passID.
func (l *Log) Warn(passID, format string, args ...any) { l.add(SeverityWarning, passID, format, args) }

// Error records an error for passID.
func (l *Log) Error(passID, format string, args ...any) { l.add(SeverityError, passID, format, args) }

// Entries returns every recorded entry in emission order.
func (l *Log) Entries() []Entry {
	return l.entries
}

// HasErrors reports whether any Error-severity entry was recorded.
func (l *Log) HasErrors() bool {
	for _, e := range l.entries {
		if e.Severity == SeverityError {
			return true
		}
	}
	return false
}

// CountBySeverity tallies entries per severity, used by the finalizer's
// summary line.
func (l *Log) CountBySeverity() map[Severity]int {
	counts := make(map[Severity]int, 3)
	for _, e := range l.entries {
		counts[e.Severity]++
	}
	return counts
}
