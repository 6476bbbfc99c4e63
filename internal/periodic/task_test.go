package periodic

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "dispatchd/pkg/logx"
)

func TestDueToRunMatchesNextRun(t *testing.T) {
	t.Parallel()
	task := ScheduledTask{Name: "a", Interval: 10, Offset: 3}
	for i := 0; i < 200; i++ {
		rel := float64(i) * 0.25
		assert.Equal(t, float64(task.NextRun()) <= rel, task.DueToRun(rel), "rel=%v", rel)
	}
}

func TestMarkRunOnTime(t *testing.T) {
	t.Parallel()
	task := ScheduledTask{Name: "c", Interval: 10}

	assert.False(t, task.DueToRun(7))
	assert.True(t, task.DueToRun(10.0))

	task.MarkRun(10.0, logx.Nop())
	assert.Equal(t, int64(1), task.Index)
	assert.Equal(t, int64(1), task.CompletedRuns)
	assert.Equal(t, int64(20), task.NextRun())
	assert.True(t, task.HasRun())
	assert.Equal(t, 10.0, task.LastRun)
}

func TestMissedRunsExcludesCurrentlyDue(t *testing.T) {
	t.Parallel()
	task := ScheduledTask{Name: "d", Interval: 10}

	assert.Equal(t, int64(2), task.ExpectedRuns(25))
	assert.True(t, task.DueToRun(25))
	assert.Equal(t, int64(1), task.MissedRuns(25))
}

func TestExpectedRunsUsesOffset(t *testing.T) {
	t.Parallel()
	task := ScheduledTask{Name: "o", Interval: 10, Offset: 4}
	assert.Equal(t, int64(-1), task.ExpectedRuns(0))
	assert.Equal(t, int64(0), task.ExpectedRuns(13.9))
	assert.Equal(t, int64(1), task.ExpectedRuns(14))
	assert.Equal(t, int64(3), task.ExpectedRuns(34.5))
}

func TestMarkRunAdvancesNextRun(t *testing.T) {
	t.Parallel()
	for _, interval := range []int64{1, 2, 7, 60, 3600} {
		task := ScheduledTask{Name: "m", Interval: interval, Offset: interval / 2}
		rel := float64(task.NextRun())
		for i := 0; i < 50; i++ {
			before := task.NextRun()
			require.True(t, task.DueToRun(rel))
			task.MarkRun(rel, logx.Nop())
			require.Greater(t, task.NextRun(), before, "interval=%d rel=%v", interval, rel)
			// Poll late by a varying amount, including several whole periods.
			rel = float64(task.NextRun()) + float64(i%4)*float64(interval)*0.9
		}
	}
}

func TestMarkRunDoesNotCatchUp(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := logx.NewJSON(&buf, "debug")
	task := ScheduledTask{Name: "late", Interval: 10}

	task.MarkRun(10, log)
	require.Equal(t, int64(1), task.Index)
	assert.Empty(t, readLogs(t, &buf))

	// Next poll happens 3 periods later: index jumps 1 -> 4, two periods skipped.
	task.MarkRun(42, log)
	assert.Equal(t, int64(2), task.CompletedRuns)
	assert.Equal(t, int64(4), task.Index)
	assert.Equal(t, int64(50), task.NextRun())

	line, ok := findLog(readLogs(t, &buf), "missed schedules")
	require.True(t, ok)
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "late", line["schedule"])
	assert.EqualValues(t, 2, line["missed"])

	// The skipped periods show up in the diagnostic count, and only there.
	assert.Equal(t, int64(2), task.MissedRuns(42))
}

func TestMarkRunOnePeriodLateIsNotMissed(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	task := ScheduledTask{Name: "slightly-late", Interval: 10}
	task.MarkRun(19.9, logx.NewJSON(&buf, "debug"))
	assert.Equal(t, int64(1), task.Index)
	_, ok := findLog(readLogs(t, &buf), "missed schedules")
	assert.False(t, ok)
}
