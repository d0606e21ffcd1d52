package availability

import (
	"testing"
	"time"

	"github.com/nadim-ashraf/bookflow/internal/model"
)

// Monday 2026-02-02.
var monday = time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)

func at(day time.Time, h, m int) time.Time {
	return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

func TestFreeSlots_MondayMorning(t *testing.T) {
	rules := []model.AvailabilityRule{
		{ProviderID: "p1", DayOfWeek: 1, StartMinute: 9 * 60, EndMinute: 12 * 60, Enabled: true},
	}
	windows := ExpandRules(rules, monday, monday.AddDate(0, 0, 1), time.UTC)

	slots := FreeSlots(windows, nil, 30*time.Minute, 30*time.Minute, monday)
	if len(slots) != 6 {
		t.Fatalf("expected 6 slots, got %d: %v", len(slots), slots)
	}
	want := []time.Time{
		at(monday, 9, 0), at(monday, 9, 30), at(monday, 10, 0),
		at(monday, 10, 30), at(monday, 11, 0), at(monday, 11, 30),
	}
	for i, s := range slots {
		if !s.Equal(want[i]) {
			t.Fatalf("slot %d: expected %s, got %s", i, want[i], s)
		}
	}
}

func TestFreeSlots_BookedSlotExcluded(t *testing.T) {
	rules := []model.AvailabilityRule{
		{ProviderID: "p1", DayOfWeek: 1, StartMinute: 9 * 60, EndMinute: 12 * 60, Enabled: true},
	}
	windows := ExpandRules(rules, monday, monday.AddDate(0, 0, 1), time.UTC)
	busy := []Interval{{Start: at(monday, 10, 0), End: at(monday, 10, 30)}}

	slots := FreeSlots(windows, busy, 30*time.Minute, 30*time.Minute, monday)
	if len(slots) != 5 {
		t.Fatalf("expected 5 slots, got %d", len(slots))
	}
	for _, s := range slots {
		if s.Equal(at(monday, 10, 0)) {
			t.Fatal("booked 10:00 slot still offered")
		}
	}
}

func TestFreeSlots_NeverOverlapsBusyOrLeavesWindow(t *testing.T) {
	rules := []model.AvailabilityRule{
		{ProviderID: "p1", DayOfWeek: 1, StartMinute: 9 * 60, EndMinute: 12 * 60, Enabled: true},
		{ProviderID: "p1", DayOfWeek: 1, StartMinute: 14 * 60, EndMinute: 16 * 60, Enabled: true},
		{ProviderID: "p1", DayOfWeek: 2, StartMinute: 8 * 60, EndMinute: 11 * 60, Enabled: true},
	}
	windows := ExpandRules(rules, monday, monday.AddDate(0, 0, 3), time.UTC)
	busy := []Interval{
		{Start: at(monday, 9, 30), End: at(monday, 10, 15)},
		{Start: at(monday, 15, 0), End: at(monday, 15, 30)},
		{Start: at(monday.AddDate(0, 0, 1), 8, 30), End: at(monday.AddDate(0, 0, 1), 9, 30)},
	}

	duration := 45 * time.Minute
	slots := FreeSlots(windows, busy, duration, 15*time.Minute, monday)
	if len(slots) == 0 {
		t.Fatal("expected some slots")
	}
	for _, s := range slots {
		end := s.Add(duration)
		inWindow := false
		for _, w := range windows {
			if w.Contains(s, end) {
				inWindow = true
				break
			}
		}
		if !inWindow {
			t.Errorf("slot %s leaves every availability window", s)
		}
		for _, b := range busy {
			if s.Before(b.End) && b.Start.Before(end) {
				t.Errorf("slot %s overlaps busy interval %v", s, b)
			}
		}
	}
}

func TestFreeSlots_SkipsPast(t *testing.T) {
	windows := []Interval{{Start: at(monday, 9, 0), End: at(monday, 10, 0)}}
	now := at(monday, 9, 31)

	slots := FreeSlots(windows, nil, 15*time.Minute, 15*time.Minute, now)
	// 09:00, 09:15, 09:30 are in the past; 09:45 remains.
	if len(slots) != 1 || !slots[0].Equal(at(monday, 9, 45)) {
		t.Fatalf("expected single 09:45 slot, got %v", slots)
	}
}

func TestMerge_OverlappingRules(t *testing.T) {
	rules := []model.AvailabilityRule{
		{ProviderID: "p1", DayOfWeek: 1, StartMinute: 9 * 60, EndMinute: 12 * 60, Enabled: true},
		{ProviderID: "p1", DayOfWeek: 1, StartMinute: 10 * 60, EndMinute: 17 * 60, Enabled: true},
	}
	windows := ExpandRules(rules, monday, monday.AddDate(0, 0, 1), time.UTC)
	if len(windows) != 1 {
		t.Fatalf("expected merged single window, got %v", windows)
	}
	if !windows[0].Start.Equal(at(monday, 9, 0)) || !windows[0].End.Equal(at(monday, 17, 0)) {
		t.Fatalf("expected 09:00-17:00, got %v", windows[0])
	}
}

func TestExpandRules_DisabledAndOtherDays(t *testing.T) {
	rules := []model.AvailabilityRule{
		{ProviderID: "p1", DayOfWeek: 1, StartMinute: 9 * 60, EndMinute: 12 * 60, Enabled: false},
		{ProviderID: "p1", DayOfWeek: 3, StartMinute: 9 * 60, EndMinute: 12 * 60, Enabled: true},
	}
	windows := ExpandRules(rules, monday, monday.AddDate(0, 0, 1), time.UTC)
	if len(windows) != 0 {
		t.Fatalf("expected no windows on Monday, got %v", windows)
	}
}

func TestSlotFree(t *testing.T) {
	windows := []Interval{{Start: at(monday, 9, 0), End: at(monday, 12, 0)}}
	busy := []Interval{{Start: at(monday, 10, 0), End: at(monday, 10, 30)}}
	step := 30 * time.Minute

	if !SlotFree(windows, busy, at(monday, 9, 0), 30*time.Minute, step, monday) {
		t.Fatal("09:00 should be free")
	}
	if SlotFree(windows, busy, at(monday, 10, 0), 30*time.Minute, step, monday) {
		t.Fatal("10:00 is occupied")
	}
	if SlotFree(windows, busy, at(monday, 9, 10), 30*time.Minute, step, monday) {
		t.Fatal("09:10 is off the slot grid")
	}
	if SlotFree(windows, busy, at(monday, 11, 45), 30*time.Minute, step, monday) {
		t.Fatal("11:45 would run past the window")
	}
	if SlotFree(windows, busy, at(monday, 9, 0), 30*time.Minute, step, at(monday, 9, 1)) {
		t.Fatal("past start should not be bookable")
	}
}
