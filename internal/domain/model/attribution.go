package model

import "time"

// UnknownSource replaces an absent traffic source in channel breakdowns.
const UnknownSource = "(unknown)"

// AttributionRecord is one converted user as materialized by the marts.
type AttributionRecord struct {
	UserPseudoID     string
	FirstClickTS     time.Time
	FirstClickSource string
	FirstClickMedium string
	LastClickTS      time.Time
	LastClickSource  string
	LastClickMedium  string
}

// DayCount is one row of a day-grouped mart query.
type DayCount struct {
	Day   Day
	Count int64
}

// ChannelCount is one row of a channel-grouped mart query.
type ChannelCount struct {
	Source string
	Medium string
	Count  int64
}

// DailyTotals holds first- and last-touch conversions for one day.
type DailyTotals struct {
	Day        Day   `json:"day"`
	FirstCount int64 `json:"first_count"`
	LastCount  int64 `json:"last_count"`
}

// Total is the number of conversions attributed to the day by either model.
func (d DailyTotals) Total() int64 { return d.FirstCount + d.LastCount }

// ChannelBreakdown holds first- and last-touch conversions for one channel.
type ChannelBreakdown struct {
	Source     string `json:"source"`
	Medium     string `json:"medium"`
	FirstCount int64  `json:"first_count"`
	LastCount  int64  `json:"last_count"`
}

// Total is the combined attribution volume used for ranking.
func (c ChannelBreakdown) Total() int64 { return c.FirstCount + c.LastCount }
