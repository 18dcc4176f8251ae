package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Schedule describes the venue's planned maintenance windows. Disconnects
// inside a window are expected, not anomalies.
type Schedule struct {
	TimeZone string        `yaml:"time_zone"`
	Daily    []DailyWindow `yaml:"daily"`
	Weekend  *WeekendSpan  `yaml:"weekend"`

	loc *time.Location
}

// DailyWindow is a same-every-day reset window; it may wrap midnight.
type DailyWindow struct {
	Start string `yaml:"start"` // "HH:MM" in the schedule's time zone
	End   string `yaml:"end"`
}

// WeekendSpan is the weekly long outage, from StartDay/Start through
// EndDay/End (e.g. Friday 23:00 to Sunday 12:00).
type WeekendSpan struct {
	StartDay string `yaml:"start_day"`
	Start    string `yaml:"start"`
	EndDay   string `yaml:"end_day"`
	End      string `yaml:"end"`
}

// LoadSchedule parses the maintenance schedule file. A missing file yields
// an empty schedule: no window ever matches.
func LoadSchedule(path string) (*Schedule, error) {
	if path == "" {
		return &Schedule{loc: time.UTC}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Schedule{loc: time.UTC}, nil
		}
		return nil, fmt.Errorf("read schedule: %w", err)
	}

	var s Schedule
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schedule: %w", err)
	}
	s.loc = time.UTC
	if s.TimeZone != "" {
		loc, err := time.LoadLocation(s.TimeZone)
		if err != nil {
			return nil, fmt.Errorf("schedule time zone %q: %w", s.TimeZone, err)
		}
		s.loc = loc
	}

	// Validate eagerly so a bad schedule fails at startup, not mid-outage.
	for _, w := range s.Daily {
		if _, err := parseClock(w.Start); err != nil {
			return nil, err
		}
		if _, err := parseClock(w.End); err != nil {
			return nil, err
		}
	}
	if s.Weekend != nil {
		for _, v := range []string{s.Weekend.Start, s.Weekend.End} {
			if _, err := parseClock(v); err != nil {
				return nil, err
			}
		}
		for _, d := range []string{s.Weekend.StartDay, s.Weekend.EndDay} {
			if _, err := parseWeekday(d); err != nil {
				return nil, err
			}
		}
	}
	return &s, nil
}

// IsWithinScheduledResetWindow reports whether now falls in a daily window.
func (s *Schedule) IsWithinScheduledResetWindow(now time.Time) bool {
	local := now.In(s.loc)
	minutes := local.Hour()*60 + local.Minute()
	for _, w := range s.Daily {
		start, _ := parseClock(w.Start)
		end, _ := parseClock(w.End)
		if start <= end {
			if minutes >= start && minutes < end {
				return true
			}
		} else { // wraps midnight
			if minutes >= start || minutes < end {
				return true
			}
		}
	}
	return false
}

// IsWithinWeekendResetWindow reports whether now falls in the weekend span.
func (s *Schedule) IsWithinWeekendResetWindow(now time.Time) bool {
	if s.Weekend == nil {
		return false
	}
	local := now.In(s.loc)

	startDay, _ := parseWeekday(s.Weekend.StartDay)
	endDay, _ := parseWeekday(s.Weekend.EndDay)
	start, _ := parseClock(s.Weekend.Start)
	end, _ := parseClock(s.Weekend.End)

	// Position within the week, in minutes.
	pos := int(local.Weekday())*24*60 + local.Hour()*60 + local.Minute()
	from := int(startDay)*24*60 + start
	to := int(endDay)*24*60 + end

	if from <= to {
		return pos >= from && pos < to
	}
	return pos >= from || pos < to
}

// InMaintenance reports whether now falls in any window.
func (s *Schedule) InMaintenance(now time.Time) bool {
	return s.IsWithinScheduledResetWindow(now) || s.IsWithinWeekendResetWindow(now)
}

func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, fmt.Errorf("schedule clock %q: %w", v, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func parseWeekday(v string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if d.String() == v {
			return d, nil
		}
	}
	return 0, fmt.Errorf("schedule weekday %q unknown", v)
}
