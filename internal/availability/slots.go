package availability

import "time"

// FreeSlots returns slot start times within the given windows where a
// booking of length duration would not overlap any busy interval. Starts
// step through each window at the given granularity; [start, start+duration)
// must fit entirely inside the window. Starts before now are skipped.
//
// Pure function of its inputs; results are chronological when the windows
// are (Merge and ExpandRules both return chronological windows).
func FreeSlots(windows []Interval, busy []Interval, duration, step time.Duration, now time.Time) []time.Time {
	if duration <= 0 {
		return nil
	}
	if step <= 0 {
		step = duration
	}

	var slots []time.Time
	for _, win := range windows {
		if !win.End.After(win.Start) {
			continue
		}
		for t := win.Start; !t.Add(duration).After(win.End); t = t.Add(step) {
			if t.Before(now) {
				continue
			}
			if !overlapsAny(t, t.Add(duration), busy) {
				slots = append(slots, t)
			}
		}
	}
	return slots
}

// SlotFree reports whether [start, start+duration) is a bookable slot:
// aligned to the step grid of some window, fully inside it, clear of busy
// intervals, and not in the past.
func SlotFree(windows []Interval, busy []Interval, start time.Time, duration, step time.Duration, now time.Time) bool {
	if duration <= 0 || start.Before(now) {
		return false
	}
	if step <= 0 {
		step = duration
	}
	end := start.Add(duration)
	for _, win := range windows {
		if !win.Contains(start, end) {
			continue
		}
		if start.Sub(win.Start)%step != 0 {
			continue
		}
		return !overlapsAny(start, end, busy)
	}
	return false
}

func overlapsAny(start, end time.Time, busy []Interval) bool {
	probe := Interval{Start: start, End: end}
	for _, b := range busy {
		if probe.Overlaps(b) {
			return true
		}
	}
	return false
}
