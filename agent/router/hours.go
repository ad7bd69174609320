package router

import "time"

// BusinessHours is the fixed weekly window during which agents respond live.
// Outside it the pipeline sends an auto-reply instead.
type BusinessHours struct {
	location *time.Location
	open     int
	close    int
}

// NewBusinessHours builds a window at a fixed UTC offset. Hours are
// inclusive-open, exclusive-close on the local clock, Monday through Friday.
func NewBusinessHours(utcOffsetHours, openHour, closeHour int) BusinessHours {
	return BusinessHours{
		location: time.FixedZone("business", utcOffsetHours*3600),
		open:     openHour,
		close:    closeHour,
	}
}

func (h BusinessHours) Within(t time.Time) bool {
	local := t.In(h.location)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	hour := local.Hour()
	return hour >= h.open && hour < h.close
}
