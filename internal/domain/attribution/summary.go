package attribution

import (
	"time"

	"github.com/okian/touchpoint/internal/domain/model"
)

// Summary condenses one attribution view into headline numbers.
type Summary struct {
	TotalFirst  int64                   `json:"total_first"`
	TotalLast   int64                   `json:"total_last"`
	TopChannel  *model.ChannelBreakdown `json:"top_channel,omitempty"`
	LastEventAt *time.Time              `json:"last_event_at,omitempty"`
	UniqueUsers int                     `json:"unique_users"`
}

// Summarize computes totals over the series, the leading channel and
// live panel statistics. channels is expected in ranked order.
func Summarize(totals []model.DailyTotals, channels []model.ChannelBreakdown, live []model.Event) Summary {
	var s Summary
	for _, r := range totals {
		s.TotalFirst += r.FirstCount
		s.TotalLast += r.LastCount
	}
	if len(channels) > 0 {
		top := channels[0]
		s.TopChannel = &top
	}

	users := make(map[string]struct{}, len(live))
	for _, ev := range live {
		users[ev.UserPseudoID] = struct{}{}
		if s.LastEventAt == nil || ev.Timestamp.After(*s.LastEventAt) {
			ts := ev.Timestamp
			s.LastEventAt = &ts
		}
	}
	s.UniqueUsers = len(users)
	return s
}
