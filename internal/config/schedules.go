package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Schedule is one entry of the "schedules" mapping.
//
// The mapping key becomes Name; every other field is the task payload handed
// to the dispatcher untouched by the scheduler.
type Schedule struct {
	Name     string       `json:"-"`
	Schedule IntervalSpec `json:"schedule"`

	Task    string         `json:"task"`
	Args    map[string]any `json:"args,omitempty"`
	Timeout string         `json:"timeout,omitempty"`

	// RetryMax overrides task_engine.retry_max when set.
	RetryMax *int `json:"retry_max,omitempty"`

	// Overlap is "skip" (default) or "allow".
	Overlap string `json:"overlap,omitempty"`
}

const (
	OverlapSkip  = "skip"
	OverlapAllow = "allow"
)

// Schedules is an ordered name -> Schedule mapping.
//
// Go maps lose order, so the JSON object is decoded token by token.
type Schedules []Schedule

func (s Schedules) Names() []string {
	out := make([]string, len(s))
	for i := range s {
		out[i] = s[i].Name
	}
	return out
}

// Lookup returns the named schedule.
func (s Schedules) Lookup(name string) (Schedule, bool) {
	for _, e := range s {
		if e.Name == name {
			return e, true
		}
	}
	return Schedule{}, false
}

func (s *Schedules) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*s = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("schedules: expected an object keyed by schedule name")
	}

	out := Schedules{}
	seen := map[string]struct{}{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := tok.(string)
		if _, dup := seen[name]; dup {
			return fmt.Errorf("schedules: duplicate schedule %q", name)
		}
		seen[name] = struct{}{}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("schedules.%s: %w", name, err)
		}
		entry, err := decodeSchedule(raw)
		if err != nil {
			return fmt.Errorf("schedules.%s: %w", name, err)
		}
		entry.Name = name
		out = append(out, entry)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*s = out
	return nil
}

func decodeSchedule(raw json.RawMessage) (Schedule, error) {
	var e Schedule
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&e); err != nil {
		return Schedule{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Schedule{}, fmt.Errorf("trailing data")
	}
	return e, nil
}

// MarshalJSON writes entries in order.
func (s Schedules) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(e.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// IntervalSpec is the raw "schedule" value: an integer number of seconds or
// a string understood by ParseInterval.
type IntervalSpec string

func (v *IntervalSpec) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = IntervalSpec(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("schedule must be seconds or a duration string")
	}
	// 90.0 and 1e2 are whole seconds too; keep them in integer form so JSON
	// and YAML files yield the same value.
	if secs, ok := wholeSeconds(n.String()); ok {
		*v = IntervalSpec(strconv.FormatInt(secs, 10))
		return nil
	}
	*v = IntervalSpec(n.String())
	return nil
}

func (v IntervalSpec) MarshalJSON() ([]byte, error) { return json.Marshal(string(v)) }

// validate checks the payload fields that do not depend on the handler registry.
func (e Schedule) validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("schedule name is empty")
	}
	if _, err := ParseInterval(string(e.Schedule)); err != nil {
		return fmt.Errorf("schedules.%s.schedule: %w", e.Name, err)
	}
	if strings.TrimSpace(e.Task) == "" {
		return fmt.Errorf("schedules.%s.task: required", e.Name)
	}
	if _, err := ParseDurationField("schedules."+e.Name+".timeout", e.Timeout); err != nil {
		return err
	}
	if e.RetryMax != nil && *e.RetryMax < 0 {
		return fmt.Errorf("schedules.%s.retry_max: must be >= 0", e.Name)
	}
	switch strings.ToLower(strings.TrimSpace(e.Overlap)) {
	case "", OverlapSkip, OverlapAllow:
	default:
		return fmt.Errorf("schedules.%s.overlap: %q (use %q or %q)", e.Name, e.Overlap, OverlapSkip, OverlapAllow)
	}
	return nil
}

// AllowOverlap reports whether a new run may start while a previous one is still queued or running.
func (e Schedule) AllowOverlap() bool {
	return strings.EqualFold(strings.TrimSpace(e.Overlap), OverlapAllow)
}
