package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	. "github.com/smartystreets/goconvey/convey"

	service "github.com/okian/touchpoint/internal/app"
	"github.com/okian/touchpoint/internal/adapters/warehouse"
	"github.com/okian/touchpoint/internal/domain/attribution"
	"github.com/okian/touchpoint/internal/domain/model"
	"github.com/okian/touchpoint/pkg/logger"
)

func init() {
	// Initialize logging for tests
	err := logger.Init()
	if err != nil {
		panic(err)
	}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// flakyStore fails mart reads while fail is set.
type flakyStore struct {
	*warehouse.MemoryStore
	fail atomic.Bool
}

func (f *flakyStore) FirstTouchByDay(ctx context.Context, since model.Day) ([]model.DayCount, error) {
	if f.fail.Load() {
		return nil, errors.New("connection refused")
	}
	return f.MemoryStore.FirstTouchByDay(ctx, since)
}

func ev(user, name, source, medium string, ts time.Time) model.Event {
	e := model.Event{
		Timestamp:     ts,
		UserPseudoID:  user,
		EventName:     name,
		TrafficSource: source,
		TrafficMedium: medium,
	}
	if name == model.EventPurchase {
		e.Value = decimal.NewNullDecimal(decimal.NewFromInt(25))
	}
	return e.Normalize()
}

func at(day, hour int) time.Time {
	return time.Date(2021, 1, day, hour, 0, 0, 0, time.UTC)
}

// seed stages three users; two of them convert.
func seed(store warehouse.StagingStore) {
	_, err := store.InsertEvents(context.Background(), []model.Event{
		ev("u1", model.EventPageView, "google", "cpc", at(20, 10)),
		ev("u1", model.EventPurchase, "direct", "none", at(27, 9)),
		ev("u2", model.EventPageView, "email", "email", at(14, 8)),
		ev("u2", model.EventPurchase, "google", "cpc", at(14, 9)),
		ev("u3", model.EventPageView, "google", "organic", at(20, 11)),
	})
	if err != nil {
		panic(err)
	}
}

func newTestService(store warehouse.Store, clock *fakeClock, opts ...service.Option) *service.Service {
	anchor, _ := model.ParseDay("2021-01-14")
	base := []service.Option{
		service.WithStore(store),
		service.WithWindowAnchor(anchor),
		service.WithClock(clock.Now),
		service.WithWorkerCount(1),
		service.WithBatching(1, 10*time.Millisecond),
	}
	return service.New(append(base, opts...)...)
}

func TestService_New(t *testing.T) {
	Convey("Given a new service with default options", t, func() {
		svc := service.New()

		Convey("Then it should have sensible defaults", func() {
			days, topN, limit := svc.Defaults()
			So(days, ShouldEqual, 14)
			So(topN, ShouldEqual, 25)
			So(limit, ShouldEqual, 50)
			So(svc.WindowOptions(), ShouldResemble, []int{7, 14, 30})
		})

		Convey("Then reads fail before Start", func() {
			_, err := svc.DailyTotals(context.Background(), 14)
			So(err, ShouldEqual, service.ErrNotStarted)
		})
	})

	Convey("Given a service without an anchor", t, func() {
		clock := &fakeClock{t: time.Date(2021, 1, 27, 15, 0, 0, 0, time.UTC)}
		svc := service.New(service.WithClock(clock.Now))

		Convey("Then the window ends today", func() {
			So(svc.WindowStart(14).String(), ShouldEqual, "2021-01-14")
			So(svc.WindowStart(7).String(), ShouldEqual, "2021-01-21")
		})
	})
}

func TestService_StartStop(t *testing.T) {
	Convey("Given a new service", t, func() {
		svc := service.New(service.WithWorkerCount(2))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		Convey("When starting the service", func() {
			err := svc.Start(ctx)
			defer svc.Stop(ctx)

			Convey("Then it should start successfully", func() {
				So(err, ShouldBeNil)
				So(svc.Ping(ctx), ShouldBeNil)
			})

			Convey("And it should be marked as started", func() {
				stats := svc.GetStats()
				So(stats["started"], ShouldEqual, true)
				So(stats["cacheEntries"], ShouldEqual, 3)
			})

			Convey("And starting again is a no-op", func() {
				So(svc.Start(ctx), ShouldBeNil)
			})
		})

		Convey("When stopping the service", func() {
			So(svc.Start(ctx), ShouldBeNil)
			svc.Stop(ctx)

			Convey("Then it should be marked as stopped", func() {
				So(svc.GetStats()["started"], ShouldEqual, false)
				So(svc.Ping(ctx), ShouldEqual, service.ErrNotStarted)
			})
		})
	})
}

func TestService_Views(t *testing.T) {
	Convey("Given a started service over seeded events", t, func() {
		ctx := context.Background()
		clock := &fakeClock{t: at(27, 12)}
		store := warehouse.NewMemoryStore()
		seed(store)
		svc := newTestService(store, clock)
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop(ctx)

		Convey("When reading the daily totals", func() {
			snap, err := svc.DailyTotals(ctx, 14)
			So(err, ShouldBeNil)
			rows := snap.Data

			Convey("Then every day of the window is present once, ascending", func() {
				So(rows, ShouldHaveLength, 14)
				So(rows[0].Day.String(), ShouldEqual, "2021-01-14")
				So(rows[13].Day.String(), ShouldEqual, "2021-01-27")
				for i := 1; i < len(rows); i++ {
					So(rows[i-1].Day.AddDays(1), ShouldEqual, rows[i].Day)
				}
			})

			Convey("Then counts land on the touch days", func() {
				So(rows[0].FirstCount, ShouldEqual, 1)
				So(rows[0].LastCount, ShouldEqual, 1)
				So(rows[6].FirstCount, ShouldEqual, 1)
				So(rows[6].LastCount, ShouldEqual, 0)
				So(rows[13].FirstCount, ShouldEqual, 0)
				So(rows[13].LastCount, ShouldEqual, 1)
				So(rows[3].Total(), ShouldEqual, 0)
				So(snap.Stale, ShouldBeFalse)
			})
		})

		Convey("When reading the channel breakdown", func() {
			snap, err := svc.ChannelBreakdown(ctx, 14, 25)
			So(err, ShouldBeNil)

			Convey("Then channels are ranked by total with a lexicographic tie-break", func() {
				So(snap.Data, ShouldHaveLength, 3)
				So(snap.Data[0], ShouldResemble, model.ChannelBreakdown{Source: "google", Medium: "cpc", FirstCount: 1, LastCount: 1})
				So(snap.Data[1].Source, ShouldEqual, "direct")
				So(snap.Data[2].Source, ShouldEqual, "email")
			})
		})

		Convey("When reading the live feed", func() {
			snap, err := svc.LiveFeed(ctx, 5)
			So(err, ShouldBeNil)

			Convey("Then events come newest first", func() {
				So(snap.Data, ShouldHaveLength, 5)
				So(snap.Data[0].UserPseudoID, ShouldEqual, "u1")
				So(snap.Data[0].EventName, ShouldEqual, model.EventPurchase)
				for i := 1; i < len(snap.Data); i++ {
					So(snap.Data[i].Timestamp.After(snap.Data[i-1].Timestamp), ShouldBeFalse)
				}
			})
		})

		Convey("When reading the combined view", func() {
			v, err := svc.View(ctx, 14, 25, 50)
			So(err, ShouldBeNil)

			Convey("Then all panels come from the same refresh", func() {
				So(v.Totals, ShouldHaveLength, 14)
				So(v.Channels, ShouldHaveLength, 3)
				So(v.Live, ShouldHaveLength, 5)
				So(v.Stale, ShouldBeFalse)
				So(v.Summary.TotalFirst, ShouldEqual, 2)
				So(v.Summary.TotalLast, ShouldEqual, 2)
				So(v.Summary.UniqueUsers, ShouldEqual, 3)
				So(v.Refresh.State, ShouldEqual, "IDLE")
				So(v.AsOf, ShouldEqual, at(27, 12))
			})
		})

		Convey("When parameters are out of range", func() {
			_, err := svc.DailyTotals(ctx, 10)
			So(errors.Is(err, attribution.ErrInvalidWindow), ShouldBeTrue)

			_, err = svc.ChannelBreakdown(ctx, 14, 0)
			So(errors.Is(err, attribution.ErrInvalidTopN), ShouldBeTrue)

			_, err = svc.LiveFeed(ctx, 4)
			So(errors.Is(err, attribution.ErrInvalidLimit), ShouldBeTrue)

			_, err = svc.LiveFeed(ctx, 201)
			So(errors.Is(err, attribution.ErrInvalidLimit), ShouldBeTrue)

			_, err = svc.View(ctx, 14, 25, 1)
			So(errors.Is(err, attribution.ErrInvalidLimit), ShouldBeTrue)
		})
	})
}

func TestService_CacheFreshness(t *testing.T) {
	Convey("Given a started service with cached views", t, func() {
		ctx := context.Background()
		clock := &fakeClock{t: at(27, 12)}
		store := warehouse.NewMemoryStore()
		seed(store)
		svc := newTestService(store, clock)
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop(ctx)

		_, err := store.InsertEvents(ctx, []model.Event{
			ev("u4", model.EventPageView, "bing", "cpc", at(25, 10)),
			ev("u4", model.EventPurchase, "bing", "cpc", at(25, 11)),
		})
		So(err, ShouldBeNil)

		Convey("When reading within the TTL", func() {
			clock.Advance(9 * time.Second)
			snap, err := svc.DailyTotals(ctx, 14)

			Convey("Then the cached value is served", func() {
				So(err, ShouldBeNil)
				So(snap.Data[11].Total(), ShouldEqual, 0)
			})
		})

		Convey("When reading after the TTL", func() {
			clock.Advance(10 * time.Second)
			snap, err := svc.DailyTotals(ctx, 14)

			Convey("Then the value is recomputed", func() {
				So(err, ShouldBeNil)
				So(snap.Data[11].FirstCount, ShouldEqual, 1)
				So(snap.Data[11].LastCount, ShouldEqual, 1)
			})
		})

		Convey("When a manual refresh runs", func() {
			So(svc.Refresh(ctx), ShouldBeNil)
			snap, err := svc.DailyTotals(ctx, 14)

			Convey("Then the new data is visible immediately", func() {
				So(err, ShouldBeNil)
				So(snap.Data[11].Total(), ShouldEqual, 2)
			})
		})

		Convey("When a non-default view is cached and a refresh runs", func() {
			_, err := svc.DailyTotals(ctx, 7)
			So(err, ShouldBeNil)
			So(svc.GetStats()["cacheEntries"], ShouldEqual, 4)
			So(svc.Refresh(ctx), ShouldBeNil)

			Convey("Then only the refreshed views remain", func() {
				So(svc.GetStats()["cacheEntries"], ShouldEqual, 3)
			})
		})
	})
}

func TestService_RefreshFailure(t *testing.T) {
	Convey("Given a started service whose warehouse starts failing", t, func() {
		ctx := context.Background()
		clock := &fakeClock{t: at(27, 12)}
		store := &flakyStore{MemoryStore: warehouse.NewMemoryStore()}
		seed(store)
		svc := newTestService(store, clock)
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop(ctx)

		before, err := svc.DailyTotals(ctx, 14)
		So(err, ShouldBeNil)
		store.fail.Store(true)

		Convey("When a manual refresh fails", func() {
			err := svc.Refresh(ctx)

			Convey("Then the error is a query failure", func() {
				So(errors.Is(err, attribution.ErrQueryFailure), ShouldBeTrue)
			})

			Convey("And the previous views are untouched", func() {
				after, err := svc.DailyTotals(ctx, 14)
				So(err, ShouldBeNil)
				So(after.Data, ShouldResemble, before.Data)
				So(after.AsOf, ShouldEqual, before.AsOf)
			})

			Convey("And the status remembers the error", func() {
				st, err := svc.RefreshStatus()
				So(err, ShouldBeNil)
				So(st.LastError, ShouldContainSubstring, "connection refused")
				So(st.State, ShouldEqual, "IDLE")
			})
		})

		Convey("When the cached value expires", func() {
			clock.Advance(11 * time.Second)
			snap, err := svc.DailyTotals(ctx, 14)

			Convey("Then the last known good value is served as stale", func() {
				So(errors.Is(err, attribution.ErrQueryFailure), ShouldBeTrue)
				So(snap.Stale, ShouldBeTrue)
				So(snap.Data, ShouldResemble, before.Data)
			})

			Convey("And the combined view is flagged stale", func() {
				v, err := svc.View(ctx, 14, 25, 50)
				So(err, ShouldBeNil)
				So(v.Stale, ShouldBeTrue)
				So(v.Totals, ShouldResemble, before.Data)
			})
		})

		Convey("When nothing was ever cached for the key", func() {
			_, err := svc.DailyTotals(ctx, 30)

			Convey("Then the failure is returned without data", func() {
				So(errors.Is(err, attribution.ErrQueryFailure), ShouldBeTrue)
			})
		})
	})
}

func TestService_AutoRefresh(t *testing.T) {
	Convey("Given a started service", t, func() {
		ctx := context.Background()
		clock := &fakeClock{t: at(27, 12)}
		svc := newTestService(warehouse.NewMemoryStore(), clock)
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop(ctx)

		Convey("When auto refresh is enabled with a valid interval", func() {
			st, err := svc.SetAutoRefresh(true, 2*time.Second)

			Convey("Then the status reflects it", func() {
				So(err, ShouldBeNil)
				So(st.AutoRefresh, ShouldBeTrue)
				So(st.IntervalSec, ShouldEqual, 2)
			})
		})

		Convey("When the interval is out of bounds", func() {
			_, err := svc.SetAutoRefresh(true, 2*time.Minute)

			Convey("Then it is rejected", func() {
				So(err, ShouldNotBeNil)
				st, _ := svc.RefreshStatus()
				So(st.AutoRefresh, ShouldBeFalse)
			})
		})
	})
}
