package diagnostics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogRecordsEntriesInOrder(t *testing.T) {
	log := NewLog()
	log.Info("pass_a", "starting")
	log.Warn("pass_b", "skipped %s", "Foo")
	log.Error("pass_c", "aborted: %v", assertErr{})

	entries := log.Entries()
	require.Len(t, entries, 3)

	assert.Equal(t, SeverityInfo, entries[0].Severity)
	assert.Equal(t, "pass_a", entries[0].PassID)
	assert.Equal(t, "starting", entries[0].Message)

	assert.Equal(t, SeverityWarning, entries[1].Severity)
	assert.Equal(t, "skipped Foo", entries[1].Message)

	assert.Equal(t, SeverityError, entries[2].Severity)
	assert.Contains(t, entries[2].Message, "aborted")
}

func TestHasErrors(t *testing.T) {
	log := NewLog()
	assert.False(t, log.HasErrors())

	log.Info("p", "note")
	assert.False(t, log.HasErrors())

	log.Error("p", "boom")
	assert.True(t, log.HasErrors())
}

func TestCountBySeverity(t *testing.T) {
	log := NewLog()
	log.Info("p", "a")
	log.Info("p", "b")
	log.Warn("p", "c")
	log.Error("p", "d")

	counts := log.CountBySeverity()
	assert.Equal(t, 2, counts[SeverityInfo])
	assert.Equal(t, 1, counts[SeverityWarning])
	assert.Equal(t, 1, counts[SeverityError])
}

func TestEntryStringFormatting(t *testing.T) {
	withPass := Entry{Severity: SeverityWarning, PassID: "renaming", Message: "skipped Foo"}
	assert.Equal(t, "[warning] renaming: skipped Foo", withPass.String())

	withoutPass := Entry{Severity: SeverityInfo, Message: "done"}
	assert.Equal(t, "[info] done", withoutPass.String())
}

func TestSeverityString(t *testing.T) {
	assert.Equal(t, "info", SeverityInfo.String())
	assert.Equal(t, "warning", SeverityWarning.String())
	assert.Equal(t, "error", SeverityError.String())
}

type assertErr struct{}

func (assertErr) Error() string { return "synthetic failure" }
