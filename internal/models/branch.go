package models

import (
	"fmt"
	"time"
)

type Branch struct {
	BranchID         string `json:"branch_id"`
	Name             string `json:"name"`
	Timezone         string `json:"timezone"`
	QueueStatus      string `json:"queue_status"`
	NotifyAtPosition int    `json:"notify_at_position"`
	AutoQueue        bool   `json:"auto_queue"`
	OpeningTime      string `json:"opening_time"`
	ClosingTime      string `json:"closing_time"`
	ClosedOnWeekends bool   `json:"closed_on_weekends"`
}

const (
	QueueOpen   = "open"
	QueuePaused = "paused"
	QueueClosed = "closed"
)

// Location resolves the branch timezone. An empty timezone means UTC.
func (b Branch) Location() (*time.Location, error) {
	if b.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return nil, fmt.Errorf("branch %s timezone %q: %w", b.BranchID, b.Timezone, err)
	}
	return loc, nil
}

// BusinessDate is the calendar day of t in loc, formatted yyyy-mm-dd.
func BusinessDate(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(time.DateOnly)
}

// ParseClock parses a local "HH:MM" time of day.
func ParseClock(value string) (hour, minute int, err error) {
	parsed, err := time.Parse("15:04", value)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q", value)
	}
	return parsed.Hour(), parsed.Minute(), nil
}
