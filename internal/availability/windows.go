package availability

import (
	"sort"
	"time"

	"github.com/nadim-ashraf/bookflow/internal/model"
)

type Interval struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports half-open interval overlap: [a,b) meets [c,d) iff a < d && c < b.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

func (i Interval) Contains(start, end time.Time) bool {
	return !start.Before(i.Start) && !end.After(i.End)
}

// Merge unions overlapping or touching intervals and returns them in
// chronological order. "9-12" plus "10-17" becomes "9-17".
func Merge(intervals []Interval) []Interval {
	if len(intervals) == 0 {
		return nil
	}
	sorted := make([]Interval, len(intervals))
	copy(sorted, intervals)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].Start.Before(sorted[b].Start) })

	out := []Interval{sorted[0]}
	for _, iv := range sorted[1:] {
		last := &out[len(out)-1]
		if !iv.Start.After(last.End) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// ExpandRules maps recurring weekly rules onto concrete dates within
// [rangeStart, rangeEnd) and merges overlapping windows per day. Disabled
// rules and rules with an empty span contribute nothing.
func ExpandRules(rules []model.AvailabilityRule, rangeStart, rangeEnd time.Time, loc *time.Location) []Interval {
	if loc == nil {
		loc = time.UTC
	}
	if !rangeEnd.After(rangeStart) {
		return nil
	}

	byDay := make(map[int][]model.AvailabilityRule)
	for _, r := range rules {
		if !r.Enabled || r.EndMinute <= r.StartMinute {
			continue
		}
		byDay[r.DayOfWeek] = append(byDay[r.DayOfWeek], r)
	}
	if len(byDay) == 0 {
		return nil
	}

	var windows []Interval
	day := time.Date(rangeStart.In(loc).Year(), rangeStart.In(loc).Month(), rangeStart.In(loc).Day(), 0, 0, 0, 0, loc)
	for ; day.Before(rangeEnd); day = day.AddDate(0, 0, 1) {
		dayRules := byDay[isoWeekday(day)]
		if len(dayRules) == 0 {
			continue
		}
		var dayWindows []Interval
		for _, r := range dayRules {
			start := day.Add(time.Duration(r.StartMinute) * time.Minute)
			end := day.Add(time.Duration(r.EndMinute) * time.Minute)
			if end.Before(rangeStart) || start.After(rangeEnd) {
				continue
			}
			if start.Before(rangeStart) {
				start = rangeStart
			}
			if end.After(rangeEnd) {
				end = rangeEnd
			}
			if end.After(start) {
				dayWindows = append(dayWindows, Interval{Start: start, End: end})
			}
		}
		windows = append(windows, Merge(dayWindows)...)
	}
	return windows
}

// isoWeekday returns 1=Mon..7=Sun.
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}
