// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

package scheduler

import (
	"time"
)

// Schedule computes the next fire time strictly after now.
type Schedule func(now time.Time) time.Time

// Every fires at a fixed interval.
func Every(d time.Duration) Schedule {
	return func(now time.Time) time.Time {
		return now.Add(d)
	}
}

// DailyAt fires once a day at the given local hour.
func DailyAt(hour int) Schedule {
	return func(now time.Time) time.Time {
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	}
}

// WeeklyAt fires once a week on the given weekday at the given local hour.
func WeeklyAt(weekday time.Weekday, hour int) Schedule {
	return func(now time.Time) time.Time {
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
		days := (int(weekday) - int(now.Weekday()) + 7) % 7
		next = next.AddDate(0, 0, days)
		if !next.After(now) {
			next = next.AddDate(0, 0, 7)
		}
		return next
	}
}

// MonthlyAt fires once a month on the given day at the given local hour.
// Day must be 1-28 so every month qualifies.
func MonthlyAt(day, hour int) Schedule {
	return func(now time.Time) time.Time {
		next := time.Date(now.Year(), now.Month(), day, hour, 0, 0, 0, now.Location())
		if !next.After(now) {
			next = next.AddDate(0, 1, 0)
		}
		return next
	}
}
