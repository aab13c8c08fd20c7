package notify

import (
	"fmt"
	"strings"
	"time"
)

// buildICS renders a minimal single-event iCalendar invite (RFC 5545) for
// attaching to confirmation emails.
func buildICS(uid, summary, description, location string, start, end time.Time) []byte {
	const stamp = "20060102T150405Z"

	lines := []string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//OroShine//Clinic Booking//EN",
		"METHOD:REQUEST",
		"BEGIN:VEVENT",
		"UID:" + uid,
		"DTSTAMP:" + time.Now().UTC().Format(stamp),
		"DTSTART:" + start.UTC().Format(stamp),
		"DTEND:" + end.UTC().Format(stamp),
		"SUMMARY:" + escapeICS(summary),
		"DESCRIPTION:" + escapeICS(description),
		"LOCATION:" + escapeICS(location),
		"END:VEVENT",
		"END:VCALENDAR",
	}

	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

func escapeICS(s string) string {
	r := strings.NewReplacer("\\", "\\\\", ";", "\\;", ",", "\\,", "\n", "\\n")
	return r.Replace(s)
}

// slotTimes converts an appointment's date and slot into concrete start and
// end times in the clinic timezone. Visits occupy a 30 minute window.
func slotTimes(date time.Time, timeSlot string, loc *time.Location) (time.Time, time.Time, error) {
	t, err := time.Parse("15:04", timeSlot)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse time slot %q: %w", timeSlot, err)
	}

	start := time.Date(date.Year(), date.Month(), date.Day(), t.Hour(), t.Minute(), 0, 0, loc)
	return start, start.Add(30 * time.Minute), nil
}
