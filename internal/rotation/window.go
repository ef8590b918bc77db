package rotation

import (
	"sort"
	"time"

	"rotation-service/internal/models"
)

// DefaultCutoverHour splits a boundary day shared by two adjacent sprints:
// strictly before 08:00 in the canonical zone the outgoing sprint is still
// current, from 08:00 the incoming one is.
const DefaultCutoverHour = 8

// calendarDate is a zone-free calendar date. Sprint boundaries are calendar
// dates, so comparisons must never depend on whether a boundary was stored as
// a date or as a midnight-truncated instant in some zone.
type calendarDate struct {
	year  int
	month time.Month
	day   int
}

func dateOf(t time.Time) calendarDate {
	y, m, d := t.Date()
	return calendarDate{year: y, month: m, day: d}
}

// compare returns -1, 0 or 1 ordering d against o.
func (d calendarDate) compare(o calendarDate) int {
	switch {
	case d.year != o.year:
		return sign(d.year - o.year)
	case d.month != o.month:
		return sign(int(d.month) - int(o.month))
	default:
		return sign(d.day - o.day)
	}
}

func sign(v int) int {
	switch {
	case v < 0:
		return -1
	case v > 0:
		return 1
	default:
		return 0
	}
}

// CurrentSprint returns the sprint whose inclusive [StartDate, EndDate]
// window contains now, or nil when no window matches (a normal empty result,
// not an error). Now is converted to loc; sprint boundaries are read as
// calendar dates in their own representation.
//
// When several windows contain the date (the shared boundary day of two
// adjacent sprints, or malformed overlaps) the cutover hour decides: strictly
// before it the lowest matching index wins, at or after it the highest. Ties
// therefore break toward the sprint that started most recently, never toward
// input order.
func CurrentSprint(sprints []models.Sprint, now time.Time, loc *time.Location, cutoverHour int) *models.Sprint {
	if loc == nil {
		loc = time.UTC
	}
	if cutoverHour < 0 || cutoverHour > 23 {
		cutoverHour = DefaultCutoverHour
	}
	local := now.In(loc)
	today := dateOf(local)

	matches := make([]models.Sprint, 0, 2)
	for _, s := range sprints {
		if today.compare(dateOf(s.StartDate)) >= 0 && today.compare(dateOf(s.EndDate)) <= 0 {
			matches = append(matches, s)
		}
	}
	if len(matches) == 0 {
		return nil
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Index < matches[j].Index })

	pick := matches[0]
	if local.Hour() >= cutoverHour {
		pick = matches[len(matches)-1]
	}
	return &pick
}

// SameDate reports whether a and b fall on the same calendar date, each read
// in its own representation. Like CurrentSprint it is insensitive to whether
// a boundary was stored as a date or a midnight-truncated instant.
func SameDate(a, b time.Time) bool {
	return dateOf(a).compare(dateOf(b)) == 0
}

// NextSprint returns the sprint with the smallest index greater than
// afterIndex, or nil when the schedule ends there.
func NextSprint(sprints []models.Sprint, afterIndex int) *models.Sprint {
	var next *models.Sprint
	for i := range sprints {
		if sprints[i].Index <= afterIndex {
			continue
		}
		if next == nil || sprints[i].Index < next.Index {
			next = &sprints[i]
		}
	}
	if next == nil {
		return nil
	}
	pick := *next
	return &pick
}
