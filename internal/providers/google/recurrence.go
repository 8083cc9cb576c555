package google

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Martian-dev/mailmove/internal/model"
)

var (
	byDay = map[string]string{
		"MO": "monday", "TU": "tuesday", "WE": "wednesday", "TH": "thursday",
		"FR": "friday", "SA": "saturday", "SU": "sunday",
	}
	dayAbbrev = map[string]string{
		"monday": "MO", "tuesday": "TU", "wednesday": "WE", "thursday": "TH",
		"friday": "FR", "saturday": "SA", "sunday": "SU",
	}
)

// ParseRecurrence reads the RRULE of a Calendar recurrence list into the
// structured form. The raw lines are kept in Rules. EXDATE and RDATE lines
// are carried in Rules only.
func ParseRecurrence(lines []string) *model.Recurrence {
	if len(lines) == 0 {
		return nil
	}
	r := &model.Recurrence{Rules: append([]string(nil), lines...), Interval: 1}
	for _, line := range lines {
		rule, ok := strings.CutPrefix(line, "RRULE:")
		if !ok {
			continue
		}
		for _, part := range strings.Split(rule, ";") {
			k, v, _ := strings.Cut(part, "=")
			switch k {
			case "FREQ":
				r.Pattern = v
			case "INTERVAL":
				if n, err := strconv.Atoi(v); err == nil && n > 0 {
					r.Interval = n
				}
			case "BYDAY":
				for _, d := range strings.Split(v, ",") {
					// drop ordinals such as 2MO or -1FR
					d = strings.TrimLeft(d, "+-0123456789")
					if name, ok := byDay[d]; ok {
						r.DaysOfWeek = append(r.DaysOfWeek, name)
					}
				}
			case "BYMONTHDAY":
				r.DayOfMonth, _ = strconv.Atoi(v)
			case "BYMONTH":
				r.MonthOfYear, _ = strconv.Atoi(v)
			case "COUNT":
				r.Occurrences, _ = strconv.Atoi(v)
			case "UNTIL":
				if t, ok := parseUntil(v); ok {
					r.EndDate = &t
				}
			}
		}
		break
	}
	return r
}

// FormatRecurrence renders r as Calendar recurrence lines. Raw rules win
// when present.
func FormatRecurrence(r *model.Recurrence) []string {
	if r == nil {
		return nil
	}
	if len(r.Rules) > 0 {
		return append([]string(nil), r.Rules...)
	}
	if r.Pattern == "" {
		return nil
	}
	parts := []string{"FREQ=" + strings.ToUpper(r.Pattern)}
	if r.Interval > 1 {
		parts = append(parts, fmt.Sprintf("INTERVAL=%d", r.Interval))
	}
	var days []string
	for _, d := range r.DaysOfWeek {
		if a, ok := dayAbbrev[strings.ToLower(d)]; ok {
			days = append(days, a)
		}
	}
	if len(days) > 0 {
		parts = append(parts, "BYDAY="+strings.Join(days, ","))
	}
	if r.DayOfMonth > 0 {
		parts = append(parts, fmt.Sprintf("BYMONTHDAY=%d", r.DayOfMonth))
	}
	if r.MonthOfYear > 0 {
		parts = append(parts, fmt.Sprintf("BYMONTH=%d", r.MonthOfYear))
	}
	switch {
	case r.Occurrences > 0:
		parts = append(parts, fmt.Sprintf("COUNT=%d", r.Occurrences))
	case r.EndDate != nil:
		parts = append(parts, "UNTIL="+r.EndDate.UTC().Format("20060102T150405Z"))
	}
	return []string{"RRULE:" + strings.Join(parts, ";")}
}

func parseUntil(v string) (time.Time, bool) {
	for _, layout := range []string{"20060102T150405Z", "20060102T150405", "20060102"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
