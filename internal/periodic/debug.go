package periodic

import (
	"math"
	"sort"

	logx "dispatchd/pkg/logx"
	yaml "go.yaml.in/yaml/v3"
)

// Status is an operator-facing snapshot of the scheduler.
type Status struct {
	Title               string           `json:"title" yaml:"title"`
	StartedTime         string           `json:"started_time" yaml:"started_time"`
	CurrentTime         string           `json:"current_time" yaml:"current_time"`
	CurrentTimeRelative float64          `json:"current_time_relative" yaml:"current_time_relative"`
	TotalSchedules      int              `json:"total_schedules" yaml:"total_schedules"`
	Schedules           []ScheduleStatus `json:"schedules" yaml:"schedules"`
}

type ScheduleStatus struct {
	Name              string   `json:"name" yaml:"name"`
	IntervalSeconds   int64    `json:"interval_in_seconds" yaml:"interval_in_seconds"`
	LastRunSecondsAgo *float64 `json:"last_run_seconds_ago" yaml:"last_run_seconds_ago"`
	NextRunInSeconds  float64  `json:"next_run_in_seconds" yaml:"next_run_in_seconds"`
	OffsetSeconds     int64    `json:"offset_in_seconds" yaml:"offset_in_seconds"`
	CompletedRuns     int64    `json:"completed_runs" yaml:"completed_runs"`
	MissedRuns        int64    `json:"missed_runs" yaml:"missed_runs"`
}

// Debug builds a Status at the current instant. It does not modify any schedule.
// Schedules are listed by interval, shortest first.
func (s *Scheduler) Debug() Status {
	now := s.now()
	rel := now.Sub(s.globalStart).Seconds()

	st := Status{
		Title:               s.title,
		StartedTime:         s.globalStart.Format(logx.TimeFormat),
		CurrentTime:         now.Format(logx.TimeFormat),
		CurrentTimeRelative: round3(rel),
		TotalSchedules:      len(s.jobs),
		Schedules:           make([]ScheduleStatus, 0, len(s.jobs)),
	}
	for _, j := range s.jobs {
		item := ScheduleStatus{
			Name:             j.Name,
			IntervalSeconds:  j.Interval,
			NextRunInSeconds: round3(float64(j.NextRun()) - rel),
			OffsetSeconds:    j.Offset,
			CompletedRuns:    j.CompletedRuns,
			MissedRuns:       j.MissedRuns(rel),
		}
		if j.HasRun() {
			ago := round3(rel - j.LastRun)
			item.LastRunSecondsAgo = &ago
		}
		st.Schedules = append(st.Schedules, item)
	}
	sort.SliceStable(st.Schedules, func(a, b int) bool {
		return st.Schedules[a].IntervalSeconds < st.Schedules[b].IntervalSeconds
	})
	return st
}

// YAML renders the snapshot as a block-style YAML document.
func (st Status) YAML() ([]byte, error) {
	return yaml.Marshal(st)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
