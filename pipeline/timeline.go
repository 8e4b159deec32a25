package pipeline

import (
	"strings"
	"time"

	"emodal_harvester/emodal"
)

const (
	notAvailable = "N/A"
	dateLayout   = "01/02/2006"
	slotLayout   = "01/02/2006 03:04 PM"
)

// milestoneDate extracts one milestone's date from an import timeline,
// normalized to MM/DD/YYYY with any time-of-day stripped. Absent or
// empty milestones yield "N/A".
func milestoneDate(timeline []emodal.Milestone, name string) string {
	for _, m := range timeline {
		if m.Milestone != name {
			continue
		}
		date := strings.TrimSpace(m.Date)
		if date == "" || strings.EqualFold(date, notAvailable) {
			return notAvailable
		}
		// "03/24/2025 13:10" -> "03/24/2025"
		if idx := strings.IndexByte(date, ' '); idx > 0 {
			date = date[:idx]
		}
		return date
	}
	return notAvailable
}

// earliestAppointment finds the earliest slot in a list of strings of
// the form "MM/DD/YYYY HH:MM AM - HH:MM AM". The list is not assumed to
// be sorted. Returns the date as MM/DD/YYYY, or "N/A" when empty.
func earliestAppointment(availableTimes []string) string {
	if len(availableTimes) == 0 {
		return notAvailable
	}

	var earliest time.Time
	found := false
	for _, slot := range availableTimes {
		start, _, ok := strings.Cut(slot, " - ")
		if !ok {
			continue
		}
		t, err := time.Parse(slotLayout, strings.TrimSpace(start))
		if err != nil {
			continue
		}
		if !found || t.Before(earliest) {
			earliest = t
			found = true
		}
	}

	if !found {
		// Nothing parsed; fall back to the first slot's date part.
		if idx := strings.IndexByte(availableTimes[0], ' '); idx > 0 {
			return availableTimes[0][:idx]
		}
		return notAvailable
	}
	return earliest.Format(dateLayout)
}
