package worker

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/JakeFAU/legal-corpus-ingest/internal/ingest"
)

// CronSpec renders a category schedule as a standard five field cron
// expression prefixed with CRON_TZ when timezone is set. A raw Cron
// expression wins over the cadence fields.
func CronSpec(s ingest.Schedule, timezone string) (string, error) {
	prefix := ""
	if timezone != "" {
		prefix = "CRON_TZ=" + timezone + " "
	}
	if expr := strings.TrimSpace(s.Cron); expr != "" {
		if strings.HasPrefix(expr, "CRON_TZ=") || strings.HasPrefix(expr, "TZ=") {
			return expr, nil
		}
		return prefix + expr, nil
	}

	hour, minute, err := parseAt(s.At)
	if err != nil {
		return "", err
	}
	switch s.Kind {
	case ingest.ScheduleDaily:
		return fmt.Sprintf("%s%d %d * * *", prefix, minute, hour), nil
	case ingest.ScheduleWeekly:
		if s.Weekday < 0 || s.Weekday > 6 {
			return "", fmt.Errorf("weekday %d out of range 0-6", s.Weekday)
		}
		return fmt.Sprintf("%s%d %d * * %d", prefix, minute, hour, s.Weekday), nil
	case ingest.ScheduleMonthly:
		if s.DayOfMonth < 1 || s.DayOfMonth > 31 {
			return "", fmt.Errorf("day of month %d out of range 1-31", s.DayOfMonth)
		}
		return fmt.Sprintf("%s%d %d %d * *", prefix, minute, hour, s.DayOfMonth), nil
	default:
		return "", fmt.Errorf("unsupported schedule kind %q", s.Kind)
	}
}

// ParseSchedule compiles a category schedule into a cron.Schedule.
func ParseSchedule(s ingest.Schedule, timezone string) (cron.Schedule, string, error) {
	spec, err := CronSpec(s, timezone)
	if err != nil {
		return nil, "", err
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, "", fmt.Errorf("parse cron spec %q: %w", spec, err)
	}
	return schedule, spec, nil
}

// parseAt reads "HH:MM". An empty value means midnight.
func parseAt(at string) (int, int, error) {
	at = strings.TrimSpace(at)
	if at == "" {
		return 0, 0, nil
	}
	h, m, found := strings.Cut(at, ":")
	if !found {
		return 0, 0, fmt.Errorf("time %q: want HH:MM", at)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("time %q: invalid hour", at)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("time %q: invalid minute", at)
	}
	return hour, minute, nil
}
