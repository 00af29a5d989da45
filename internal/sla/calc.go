package sla

import "time"

// CalcTime projects start forward by seconds of business time, skipping
// non-working hours, non-working weekdays and holidays. ok is false when the
// definition has no working hours or no reachable working day, in which case
// the caller leaves the deadline unset.
func (d *Definition) CalcTime(start time.Time, seconds int64) (end time.Time, ok bool) {
	hours := d.Workdays()
	if len(hours) == 0 {
		return time.Time{}, false
	}
	remaining := seconds
	cur := start
	skipped := 0
	for {
		day := dateOf(cur)
		win, working := hours[day.Weekday()]
		if !working || d.IsHoliday(day) {
			// A full week plus every configured holiday with no working
			// window in between means the deadline is unreachable.
			skipped++
			if skipped > len(d.Holidays)+7 {
				return time.Time{}, false
			}
			cur = day.AddDate(0, 0, 1)
			continue
		}
		sec := secondOfDay(cur)
		switch {
		case sec < win.StartSec:
			cur = day.Add(time.Duration(win.StartSec) * time.Second)
		case sec >= win.EndSec:
			skipped++
			if skipped > len(d.Holidays)+7 {
				return time.Time{}, false
			}
			cur = day.AddDate(0, 0, 1)
			continue
		}
		skipped = 0
		avail := int64(win.EndSec - secondOfDay(cur))
		if remaining <= avail {
			return cur.Add(time.Duration(remaining) * time.Second), true
		}
		remaining -= avail
		cur = day.AddDate(0, 0, 1)
	}
}

// ElapsedTime returns the business seconds strictly between start and end,
// or 0 when end is not after start. Whole intermediate days are counted with
// per-weekday occurrence arithmetic so multi-year spans cost no more than a
// pass over the holiday list.
func (d *Definition) ElapsedTime(start, end time.Time) int64 {
	if !end.After(start) {
		return 0
	}
	hours := d.Workdays()
	if len(hours) == 0 {
		return 0
	}
	startDay := dateOf(start)
	endDay := dateOf(end)
	if startDay.Equal(endDay) {
		return d.windowOverlap(startDay, secondOfDay(start), secondOfDay(end))
	}
	total := d.windowOverlap(startDay, secondOfDay(start), 24*3600)
	total += d.windowOverlap(endDay, 0, secondOfDay(end))

	first := startDay.AddDate(0, 0, 1)
	n := civilDays(first, endDay)
	if n <= 0 {
		return total
	}
	for wd, win := range hours {
		total += int64(weekdayCount(first.Weekday(), n, wd)) * int64(win.EndSec-win.StartSec)
	}
	for hd := range d.holidaySet() {
		day := time.Date(hd.year, hd.month, hd.day, 0, 0, 0, 0, first.Location())
		if day.Before(first) || !day.Before(endDay) {
			continue
		}
		if win, workday := hours[day.Weekday()]; workday {
			total -= int64(win.EndSec - win.StartSec)
		}
	}
	return total
}

// windowOverlap returns the seconds of [fromSec, toSec) that fall inside the
// working window of day, 0 for holidays and non-working weekdays.
func (d *Definition) windowOverlap(day time.Time, fromSec, toSec int) int64 {
	if d.IsHoliday(day) {
		return 0
	}
	win, ok := d.Workdays()[day.Weekday()]
	if !ok {
		return 0
	}
	if fromSec < win.StartSec {
		fromSec = win.StartSec
	}
	if toSec > win.EndSec {
		toSec = win.EndSec
	}
	if toSec <= fromSec {
		return 0
	}
	return int64(toSec - fromSec)
}

// civilDays counts calendar days from a (inclusive) to b (exclusive),
// ignoring zone offsets so DST transitions cannot skew the count.
func civilDays(a, b time.Time) int {
	au := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bu := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(bu.Sub(au) / (24 * time.Hour))
}

// weekdayCount returns how many of the n consecutive days starting on a day
// with weekday first fall on wd.
func weekdayCount(first time.Weekday, n int, wd time.Weekday) int {
	if n <= 0 {
		return 0
	}
	count := n / 7
	rem := n % 7
	if int(wd-first+7)%7 < rem {
		count++
	}
	return count
}
