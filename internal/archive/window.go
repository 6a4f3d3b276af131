package archive

import (
	"fmt"
	"time"

	"slack-monthly-archiver/internal/checkpoint"
)

// DateWindow is the half-open interval [Start, End).
type DateWindow struct {
	Start time.Time
	End   time.Time
}

// MonthWindow covers the calendar month w in loc.
func MonthWindow(w checkpoint.Watermark, loc *time.Location) DateWindow {
	start := time.Date(w.Year, time.Month(w.Month), 1, 0, 0, 0, 0, loc)
	return DateWindow{Start: start, End: start.AddDate(0, 1, 0)}
}

func (d DateWindow) Contains(t time.Time) bool {
	return !t.Before(d.Start) && t.Before(d.End)
}

// CurrentMonth is the month containing now in loc.
func CurrentMonth(now time.Time, loc *time.Location) checkpoint.Watermark {
	local := now.In(loc)
	return checkpoint.Watermark{Year: local.Year(), Month: int(local.Month())}
}

// SheetName is the output table name for month w.
func SheetName(w checkpoint.Watermark) string {
	return fmt.Sprintf("%d年%d月", w.Year, w.Month)
}
