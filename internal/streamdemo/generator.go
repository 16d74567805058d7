package streamdemo

import (
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/okian/touchpoint/internal/domain/model"
)

// Sample values for synthetic events.
var (
	TrafficSources = []string{"google", "facebook", "instagram", "email", "direct"}
	TrafficMediums = []string{"cpc", "social", "email", "none"}
	Campaigns      = []string{"spring_sale", "black_friday", "promo_10", "new_user"}
)

const (
	userIDMin   = 1000
	userIDSpan  = 101
	maxPurchase = 100
)

type simUser struct {
	pseudoID string
	userID   *string
	touched  bool
}

// Generator produces user journeys: a user's first event is always a page
// view, later ones convert with the configured probability. Timestamps are
// strictly increasing so that derived event ids never collide.
type Generator struct {
	rng            *rand.Rand
	users          []simUser
	conversionRate float64
	now            func() time.Time
	last           time.Time
}

// NewGenerator creates a generator over a pool of users. The same seed and
// clock yield the same stream, except for the random pseudo ids.
func NewGenerator(users int, conversionRate float64, seed uint64, now func() time.Time) *Generator {
	if users <= 0 {
		users = DefaultUsers
	}
	if now == nil {
		now = time.Now
	}
	if seed == 0 {
		seed = uint64(now().UnixNano())
	}
	g := &Generator{
		rng:            rand.New(rand.NewPCG(seed, seed>>1|1)),
		users:          make([]simUser, users),
		conversionRate: conversionRate,
		now:            now,
	}
	for i := range g.users {
		g.users[i].pseudoID = uuid.NewString()
		if g.rng.IntN(2) == 0 {
			id := strconv.Itoa(userIDMin + g.rng.IntN(userIDSpan))
			g.users[i].userID = &id
		}
	}
	return g
}

// Next returns the next synthetic event.
func (g *Generator) Next() Event {
	u := &g.users[g.rng.IntN(len(g.users))]

	ts := g.now().UTC().Truncate(time.Millisecond)
	if !ts.After(g.last) {
		ts = g.last.Add(time.Millisecond)
	}
	g.last = ts

	ev := Event{
		EventID:        model.NewEventID(u.pseudoID, ts),
		EventTimestamp: ts,
		UserID:         u.userID,
		UserPseudoID:   u.pseudoID,
		EventName:      model.EventPageView,
		TrafficSource:  pick(g.rng, TrafficSources),
		TrafficMedium:  pick(g.rng, TrafficMediums),
	}
	campaign := pick(g.rng, Campaigns)
	ev.Campaign = &campaign

	if u.touched && g.rng.Float64() < g.conversionRate {
		ev.EventName = model.EventPurchase
		v := decimal.NewFromInt(int64(1 + g.rng.IntN(maxPurchase)))
		ev.EventValue = &v
	}
	u.touched = true
	return ev
}

// Generate returns n events.
func (g *Generator) Generate(n int) []Event {
	events := make([]Event, n)
	for i := range events {
		events[i] = g.Next()
	}
	return events
}

func pick(rng *rand.Rand, values []string) string {
	return values[rng.IntN(len(values))]
}
