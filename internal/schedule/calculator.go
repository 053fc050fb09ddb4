// Package schedule computes the next occurrence of a recurring event.
//
// Every computation converts a local wall-clock date and time in the event's
// timezone into an absolute instant with time.Date, so occurrences stay on the
// configured local time across daylight-saving changes.
package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

type Recurrence string

const (
	Once    Recurrence = "once"
	Daily   Recurrence = "daily"
	Weekly  Recurrence = "weekly"
	Monthly Recurrence = "monthly"
)

const DateLayout = "2006-01-02"

// Config is the timing definition of a recurring event.
type Config struct {
	TimeOfDay       string     `json:"timeOfDay"` // HH:MM
	Timezone        string     `json:"timezone"`
	Recurrence      Recurrence `json:"recurrence"`
	AnchorDate      string     `json:"anchorDate,omitempty"` // once
	DayOfWeek       int        `json:"dayOfWeek,omitempty"`  // weekly, 0 = Sunday
	DayOfMonth      int        `json:"dayOfMonth,omitempty"` // monthly
	DurationSeconds int        `json:"durationSeconds,omitempty"`
}

// Occurrence is one concrete firing of an event.
type Occurrence struct {
	Start   time.Time
	DateKey string
}

// End is the instant after which the occurrence has fully elapsed.
func (o Occurrence) End(cfg Config) time.Time {
	return o.Start.Add(time.Duration(cfg.DurationSeconds) * time.Second)
}

var ErrInvalidConfig = errors.New("invalid schedule config")

func (c Config) Validate() error {
	if _, _, err := c.clock(); err != nil {
		return err
	}
	if _, err := c.location(); err != nil {
		return err
	}
	if c.DurationSeconds < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidConfig)
	}
	switch c.Recurrence {
	case Once:
		if _, err := time.Parse(DateLayout, c.AnchorDate); err != nil {
			return fmt.Errorf("%w: anchor date %q", ErrInvalidConfig, c.AnchorDate)
		}
	case Weekly:
		if c.DayOfWeek < 0 || c.DayOfWeek > 6 {
			return fmt.Errorf("%w: day of week %d", ErrInvalidConfig, c.DayOfWeek)
		}
	case Monthly:
		if c.DayOfMonth < 1 || c.DayOfMonth > 31 {
			return fmt.Errorf("%w: day of month %d", ErrInvalidConfig, c.DayOfMonth)
		}
	}
	return nil
}

func (c Config) clock() (hour, minute int, err error) {
	h, m, ok := strings.Cut(strings.TrimSpace(c.TimeOfDay), ":")
	if !ok {
		return 0, 0, fmt.Errorf("%w: time of day %q", ErrInvalidConfig, c.TimeOfDay)
	}
	hour, errH := strconv.Atoi(h)
	minute, errM := strconv.Atoi(m)
	if errH != nil || errM != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: time of day %q", ErrInvalidConfig, c.TimeOfDay)
	}
	return hour, minute, nil
}

func (c Config) location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q", ErrInvalidConfig, c.Timezone)
	}
	return loc, nil
}

// Next returns the next occurrence whose end is still after now. The boolean
// is false when the event has no such occurrence (an elapsed one-off).
func Next(cfg Config, now time.Time) (Occurrence, bool, error) {
	if err := cfg.Validate(); err != nil {
		return Occurrence{}, false, err
	}
	hour, minute, _ := cfg.clock()
	loc, _ := cfg.location()
	duration := time.Duration(cfg.DurationSeconds) * time.Second

	local := now.In(loc)
	y, m, d := local.Date()

	at := func(year int, month time.Month, day int) (Occurrence, bool) {
		start := time.Date(year, month, day, hour, minute, 0, 0, loc)
		if !now.Before(start.Add(duration)) {
			return Occurrence{}, false
		}
		return Occurrence{Start: start, DateKey: start.Format(DateLayout)}, true
	}

	switch cfg.Recurrence {
	case Once:
		anchor, _ := time.ParseInLocation(DateLayout, cfg.AnchorDate, loc)
		occ, ok := at(anchor.Year(), anchor.Month(), anchor.Day())
		return occ, ok, nil

	case Weekly:
		for i := 0; i <= 7; i++ {
			day := time.Date(y, m, d+i, 12, 0, 0, 0, loc)
			if int(day.Weekday()) != cfg.DayOfWeek {
				continue
			}
			if occ, ok := at(day.Year(), day.Month(), day.Day()); ok {
				return occ, true, nil
			}
		}
		return Occurrence{}, false, nil

	case Monthly:
		for i := 0; i <= 2; i++ {
			first := time.Date(y, m+time.Month(i), 1, 12, 0, 0, 0, loc)
			day := time.Date(first.Year(), first.Month(), cfg.DayOfMonth, 12, 0, 0, 0, loc)
			if day.Month() != first.Month() {
				// e.g. the 31st in a 30-day month
				continue
			}
			if occ, ok := at(day.Year(), day.Month(), day.Day()); ok {
				return occ, true, nil
			}
		}
		return Occurrence{}, false, nil

	default:
		for i := 0; i <= 1; i++ {
			day := time.Date(y, m, d+i, 12, 0, 0, 0, loc)
			if occ, ok := at(day.Year(), day.Month(), day.Day()); ok {
				return occ, true, nil
			}
		}
		return Occurrence{}, false, nil
	}
}
