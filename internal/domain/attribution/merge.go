package attribution

import (
	"sort"
	"strings"

	"github.com/okian/touchpoint/internal/domain/model"
)

// MergeDaily full-outer-joins first- and last-touch day counts.
// Every day present on either side appears once, ascending; the absent side counts 0.
func MergeDaily(first, last []model.DayCount) []model.DailyTotals {
	byDay := make(map[model.Day]*model.DailyTotals, len(first)+len(last))
	row := func(d model.Day) *model.DailyTotals {
		r, ok := byDay[d]
		if !ok {
			r = &model.DailyTotals{Day: d}
			byDay[d] = r
		}
		return r
	}
	for _, c := range first {
		row(c.Day).FirstCount += c.Count
	}
	for _, c := range last {
		row(c.Day).LastCount += c.Count
	}

	out := make([]model.DailyTotals, 0, len(byDay))
	for _, r := range byDay {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out
}

// ZeroFill projects merged rows onto [start, start+days).
// The result has exactly days rows; days outside the range are dropped.
func ZeroFill(merged []model.DailyTotals, start model.Day, days int) []model.DailyTotals {
	if days < 1 {
		return nil
	}
	byDay := make(map[model.Day]model.DailyTotals, len(merged))
	for _, r := range merged {
		byDay[r.Day] = r
	}
	out := make([]model.DailyTotals, days)
	for i := range out {
		d := start.AddDays(i)
		r, ok := byDay[d]
		if !ok {
			r = model.DailyTotals{Day: d}
		}
		out[i] = r
	}
	return out
}

// NormalizeChannel applies the defaults for absent channel attributes.
func NormalizeChannel(source, medium string) (string, string) {
	source = strings.TrimSpace(source)
	if source == "" {
		source = model.UnknownSource
	}
	return source, strings.TrimSpace(medium)
}

type channelKey struct{ source, medium string }

// MergeChannels full-outer-joins first- and last-touch channel counts on (source, medium).
// Output order is unspecified; see RankChannels.
func MergeChannels(first, last []model.ChannelCount) []model.ChannelBreakdown {
	byKey := make(map[channelKey]*model.ChannelBreakdown, len(first)+len(last))
	row := func(source, medium string) *model.ChannelBreakdown {
		s, m := NormalizeChannel(source, medium)
		k := channelKey{s, m}
		r, ok := byKey[k]
		if !ok {
			r = &model.ChannelBreakdown{Source: s, Medium: m}
			byKey[k] = r
		}
		return r
	}
	for _, c := range first {
		row(c.Source, c.Medium).FirstCount += c.Count
	}
	for _, c := range last {
		row(c.Source, c.Medium).LastCount += c.Count
	}

	out := make([]model.ChannelBreakdown, 0, len(byKey))
	for _, r := range byKey {
		out = append(out, *r)
	}
	return out
}

// RankChannels orders rows by first+last descending, ties by (source, medium)
// ascending, and truncates to topN. The input slice is reordered in place.
func RankChannels(rows []model.ChannelBreakdown, topN int) []model.ChannelBreakdown {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Total() != b.Total() {
			return a.Total() > b.Total()
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.Medium < b.Medium
	})
	if topN >= 0 && len(rows) > topN {
		rows = rows[:topN]
	}
	return rows
}
