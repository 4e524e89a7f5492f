package intent

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// taskIDPattern matches the public task id format.
var taskIDPattern = regexp.MustCompile(`\bTASK-\d{8}-\d{3}\b`)

// ExtractTaskIDs returns every task id mentioned in the message, in order,
// deduplicated.
func ExtractTaskIDs(msg string) []string {
	matches := taskIDPattern.FindAllString(strings.ToUpper(msg), -1)
	seen := map[string]bool{}
	var out []string
	for _, m := range matches {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

var priorityWords = []struct {
	words    []string
	priority string
}{
	{[]string{"urgent", "asap", "critical", "emergency", "right away", "immediately"}, "urgent"},
	{[]string{"high priority", "important", "priority high"}, "high"},
	{[]string{"low priority", "whenever", "no rush", "minor", "not urgent"}, "low"},
	{[]string{"medium priority", "normal priority"}, "medium"},
}

// ExtractPriority returns a priority keyword found in the message, or "".
// Earlier rows win so "not urgent" must be checked before "urgent" matches.
func ExtractPriority(msg string) string {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "not urgent") || strings.Contains(lower, "no rush") {
		return "low"
	}
	for _, row := range priorityWords {
		for _, w := range row.words {
			if strings.Contains(lower, w) {
				return row.priority
			}
		}
	}
	return ""
}

var (
	isoDatePattern  = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	inUnitsPattern  = regexp.MustCompile(`\bin (\d+) (minute|minutes|hour|hours|day|days|week|weeks)\b`)
	clockPattern    = regexp.MustCompile(`\b(\d{1,2}):(\d{2})\b`)
	amPmPattern     = regexp.MustCompile(`\b(\d{1,2})\s?(am|pm)\b`)
	weekdayPatterns = map[string]time.Weekday{
		"monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday,
		"thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday,
		"sunday": time.Sunday,
	}
)

// endOfDay returns 18:00 local on the given day, the working-day cutoff.
func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 18, 0, 0, 0, t.Location())
}

// ExtractDeadline parses a deadline phrase relative to now. Returns nil when
// no recognizable deadline is present. Resolution order: explicit ISO date,
// relative "in N units", named days, then a bare clock time meaning today.
func ExtractDeadline(msg string, now time.Time) *time.Time {
	lower := strings.ToLower(msg)

	if m := isoDatePattern.FindStringSubmatch(lower); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		if month >= 1 && month <= 12 && day >= 1 && day <= 31 {
			t := withClockTime(lower, time.Date(year, time.Month(month), day, 18, 0, 0, 0, now.Location()))
			return &t
		}
	}

	if m := inUnitsPattern.FindStringSubmatch(lower); m != nil {
		n, _ := strconv.Atoi(m[1])
		var d time.Duration
		switch {
		case strings.HasPrefix(m[2], "minute"):
			d = time.Duration(n) * time.Minute
		case strings.HasPrefix(m[2], "hour"):
			d = time.Duration(n) * time.Hour
		case strings.HasPrefix(m[2], "day"):
			d = time.Duration(n) * 24 * time.Hour
		case strings.HasPrefix(m[2], "week"):
			d = time.Duration(n) * 7 * 24 * time.Hour
		}
		t := now.Add(d)
		return &t
	}

	switch {
	case strings.Contains(lower, "tonight"):
		t := time.Date(now.Year(), now.Month(), now.Day(), 21, 0, 0, 0, now.Location())
		return &t
	case strings.Contains(lower, "today"), strings.Contains(lower, "end of day"), strings.Contains(lower, "eod"):
		t := withClockTime(lower, endOfDay(now))
		return &t
	case strings.Contains(lower, "tomorrow"):
		t := withClockTime(lower, endOfDay(now.AddDate(0, 0, 1)))
		return &t
	case strings.Contains(lower, "end of week"), strings.Contains(lower, "eow"):
		t := endOfDay(nextWeekday(now, time.Friday))
		return &t
	case strings.Contains(lower, "next week"):
		t := endOfDay(nextWeekday(now.AddDate(0, 0, 1), time.Monday))
		return &t
	}

	for name, wd := range weekdayPatterns {
		if strings.Contains(lower, name) {
			t := withClockTime(lower, endOfDay(nextWeekday(now, wd)))
			return &t
		}
	}

	// A bare clock time means today at that time.
	if hasClockTime(lower) {
		t := withClockTime(lower, endOfDay(now))
		return &t
	}
	return nil
}

// nextWeekday returns the next occurrence of wd strictly in the future
// relative to t's date, or t's own day when it matches.
func nextWeekday(t time.Time, wd time.Weekday) time.Time {
	days := (int(wd) - int(t.Weekday()) + 7) % 7
	return t.AddDate(0, 0, days)
}

func hasClockTime(lower string) bool {
	return clockPattern.MatchString(lower) || amPmPattern.MatchString(lower)
}

// withClockTime overrides the time-of-day on base when the message names one.
func withClockTime(lower string, base time.Time) time.Time {
	if m := clockPattern.FindStringSubmatch(lower); m != nil {
		h, _ := strconv.Atoi(m[1])
		min, _ := strconv.Atoi(m[2])
		if h < 24 && min < 60 {
			return time.Date(base.Year(), base.Month(), base.Day(), h, min, 0, 0, base.Location())
		}
	}
	if m := amPmPattern.FindStringSubmatch(lower); m != nil {
		h, _ := strconv.Atoi(m[1])
		if h >= 1 && h <= 12 {
			if m[2] == "pm" && h != 12 {
				h += 12
			}
			if m[2] == "am" && h == 12 {
				h = 0
			}
			return time.Date(base.Year(), base.Month(), base.Day(), h, 0, 0, 0, base.Location())
		}
	}
	return base
}

// assigneePattern catches the "for <name>" and "to <name>" shapes used in
// task messages. Single capitalized token only; multi-word names come from
// the team directory lookup.
var assigneePattern = regexp.MustCompile(`\b(?i:for|to|assign(?:ed)? to)\s+([A-Z][a-z]+)\b`)

// ExtractAssignee pulls a candidate assignee name from the message, or "".
func ExtractAssignee(msg string) string {
	if m := assigneePattern.FindStringSubmatch(msg); m != nil {
		return m[1]
	}
	return ""
}
