package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	service "github.com/okian/touchpoint/internal/app"
	"github.com/okian/touchpoint/internal/adapters/warehouse"
	"github.com/okian/touchpoint/internal/domain/model"
	"github.com/okian/touchpoint/internal/domain/refresh"
)

// gatedStore blocks staging writes until release is closed.
type gatedStore struct {
	*warehouse.MemoryStore
	started chan struct{}
	release chan struct{}
}

func (g *gatedStore) InsertEvents(ctx context.Context, events []model.Event) (int, error) {
	select {
	case g.started <- struct{}{}:
	default:
	}
	<-g.release
	return g.MemoryStore.InsertEvents(ctx, events)
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestServiceIngest(t *testing.T) {
	Convey("Given a started service", t, func() {
		ctx := context.Background()
		clock := &fakeClock{t: at(27, 12)}
		store := warehouse.NewMemoryStore()
		svc := newTestService(store, clock, service.WithWorkerCount(2))
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop(ctx)

		batch := []model.Event{
			{Timestamp: at(27, 10), UserPseudoID: "p1", EventName: model.EventPageView, TrafficSource: "google", TrafficMedium: "cpc"},
			{Timestamp: at(27, 11), UserPseudoID: "p1", EventName: model.EventPurchase},
		}

		Convey("When a batch is ingested", func() {
			res, err := svc.Ingest(ctx, batch)

			Convey("Then every event is accepted with a deterministic id", func() {
				So(err, ShouldBeNil)
				So(res.Accepted, ShouldEqual, 2)
				So(res.Duplicates, ShouldEqual, 0)
				So(res.EventIDs, ShouldResemble, []string{
					model.NewEventID("p1", at(27, 10)),
					model.NewEventID("p1", at(27, 11)),
				})
			})

			Convey("And the events reach the staging store", func() {
				So(waitFor(func() bool { return store.Len() == 2 }), ShouldBeTrue)
			})

			Convey("And resubmitting it is a no-op", func() {
				again, err := svc.Ingest(ctx, batch)
				So(err, ShouldBeNil)
				So(again.Accepted, ShouldEqual, 0)
				So(again.Duplicates, ShouldEqual, 2)
				So(waitFor(func() bool { return store.Len() == 2 }), ShouldBeTrue)
				So(svc.GetStats()["stagedEvents"], ShouldEqual, 2)
			})

			Convey("And a refresh makes the conversion visible", func() {
				So(waitFor(func() bool { return store.Len() == 2 }), ShouldBeTrue)
				So(svc.Refresh(ctx), ShouldBeNil)
				snap, err := svc.DailyTotals(ctx, 14)
				So(err, ShouldBeNil)
				So(snap.Data[13].FirstCount, ShouldEqual, 1)
				So(snap.Data[13].LastCount, ShouldEqual, 1)
			})
		})

		Convey("When a batch holds an invalid event", func() {
			bad := append([]model.Event{}, batch...)
			bad = append(bad, model.Event{Timestamp: at(27, 12), EventName: model.EventPageView})
			res, err := svc.Ingest(ctx, bad)

			Convey("Then the whole batch is rejected", func() {
				So(errors.Is(err, service.ErrInvalidBatch), ShouldBeTrue)
				So(errors.Is(err, model.ErrInvalidEvent), ShouldBeTrue)
				So(res.Accepted, ShouldEqual, 0)
			})

			Convey("And none of its ids were recorded", func() {
				res, err := svc.Ingest(ctx, batch)
				So(err, ShouldBeNil)
				So(res.Accepted, ShouldEqual, 2)
			})
		})

		Convey("When the batch is empty", func() {
			_, err := svc.Ingest(ctx, nil)
			So(errors.Is(err, service.ErrInvalidBatch), ShouldBeTrue)
		})
	})
}

func TestServiceBackpressure(t *testing.T) {
	Convey("Given a service whose single writer is blocked", t, func() {
		ctx := context.Background()
		clock := &fakeClock{t: at(27, 12)}
		store := &gatedStore{
			MemoryStore: warehouse.NewMemoryStore(),
			started:     make(chan struct{}, 1),
			release:     make(chan struct{}),
		}
		svc := newTestService(store, clock, service.WithQueueSize(1))
		So(svc.Start(ctx), ShouldBeNil)
		released := false
		defer func() {
			if !released {
				close(store.release)
			}
			svc.Stop(ctx)
		}()

		one := func(i int) []model.Event {
			return []model.Event{{Timestamp: at(27, 10).Add(time.Duration(i) * time.Second), UserPseudoID: "bp", EventName: model.EventPageView}}
		}

		_, err := svc.Ingest(ctx, one(1))
		So(err, ShouldBeNil)
		select {
		case <-store.started:
		case <-time.After(5 * time.Second):
			t.Fatal("writer never started")
		}
		_, err = svc.Ingest(ctx, one(2))
		So(err, ShouldBeNil)

		Convey("When the queue is full", func() {
			res, err := svc.Ingest(ctx, one(3))

			Convey("Then the event is refused with backpressure", func() {
				So(service.IsBackpressure(err), ShouldBeTrue)
				So(res.Accepted, ShouldEqual, 0)
			})

			Convey("And a retry after the writer drains is accepted", func() {
				close(store.release)
				released = true
				So(waitFor(func() bool { return store.Len() == 2 }), ShouldBeTrue)

				res, err := svc.Ingest(ctx, one(3))
				So(err, ShouldBeNil)
				So(res.Accepted, ShouldEqual, 1)
				So(res.Duplicates, ShouldEqual, 0)
			})
		})
	})
}

func TestServiceConcurrency(t *testing.T) {
	Convey("Given a started service under concurrent load", t, func() {
		ctx := context.Background()
		clock := &fakeClock{t: at(27, 12)}
		store := warehouse.NewMemoryStore()
		seed(store)
		svc := newTestService(store, clock, service.WithWorkerCount(4))
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop(ctx)

		const goroutines = 16
		var (
			wg         sync.WaitGroup
			mu         sync.Mutex
			readErrs   []error
			refreshed  int
			coalesced  int
			badLengths int
		)

		for i := 0; i < goroutines; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				for j := 0; j < 20; j++ {
					switch (i + j) % 4 {
					case 0:
						err := svc.Refresh(ctx)
						mu.Lock()
						switch {
						case err == nil:
							refreshed++
						case errors.Is(err, refresh.ErrRefreshInProgress):
							coalesced++
						default:
							readErrs = append(readErrs, err)
						}
						mu.Unlock()
					case 1:
						v, err := svc.View(ctx, 14, 25, 50)
						mu.Lock()
						if err != nil {
							readErrs = append(readErrs, err)
						} else if len(v.Totals) != 14 {
							badLengths++
						}
						mu.Unlock()
					case 2:
						clock.Advance(time.Second)
						_, err := svc.ChannelBreakdown(ctx, 7, 10)
						if err != nil {
							mu.Lock()
							readErrs = append(readErrs, err)
							mu.Unlock()
						}
					default:
						_, err := svc.Ingest(ctx, []model.Event{{
							Timestamp:    at(26, 0).Add(time.Duration(i*100+j) * time.Millisecond),
							UserPseudoID: fmt.Sprintf("c%d", i),
							EventName:    model.EventPageView,
						}})
						if err != nil {
							mu.Lock()
							readErrs = append(readErrs, err)
							mu.Unlock()
						}
					}
				}
			}(i)
		}
		wg.Wait()

		Convey("Then no operation fails and every series stays complete", func() {
			So(readErrs, ShouldBeEmpty)
			So(badLengths, ShouldEqual, 0)
			So(refreshed, ShouldBeGreaterThan, 0)
			So(refreshed+coalesced, ShouldEqual, goroutines*20/4)
		})

		Convey("Then the coordinator is idle afterwards", func() {
			st, err := svc.RefreshStatus()
			So(err, ShouldBeNil)
			So(st.State, ShouldEqual, "IDLE")
			So(st.Coalesced, ShouldEqual, uint64(coalesced))
		})
	})
}

// martGate holds the next first-touch read after it has already read the
// marts, until release is closed.
type martGate struct {
	*warehouse.MemoryStore
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (g *martGate) FirstTouchByDay(ctx context.Context, since model.Day) ([]model.DayCount, error) {
	rows, err := g.MemoryStore.FirstTouchByDay(ctx, since)
	if g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return rows, err
}

func sumTotals(v []model.DailyTotals) (first, last int) {
	for _, r := range v {
		first += int(r.FirstCount)
		last += int(r.LastCount)
	}
	return first, last
}

func sumChannels(v []model.ChannelBreakdown) (first, last int) {
	for _, r := range v {
		first += int(r.FirstCount)
		last += int(r.LastCount)
	}
	return first, last
}

func TestServiceRefreshOverlapsMiss(t *testing.T) {
	Convey("Given a totals read stalled on pre-refresh mart data", t, func() {
		ctx := context.Background()
		clock := &fakeClock{t: at(27, 12)}
		store := &martGate{
			MemoryStore: warehouse.NewMemoryStore(),
			entered:     make(chan struct{}),
			release:     make(chan struct{}),
		}
		seed(store)
		svc := newTestService(store, clock)
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop(ctx)

		clock.Advance(11 * time.Second)
		store.armed.Store(true)
		type result struct {
			first int
			err   error
		}
		done := make(chan result, 1)
		go func() {
			snap, err := svc.DailyTotals(ctx, 14)
			first, _ := sumTotals(snap.Data)
			done <- result{first: first, err: err}
		}()
		select {
		case <-store.entered:
		case <-time.After(5 * time.Second):
			t.Fatal("read never reached the marts")
		}

		_, err := store.InsertEvents(ctx, []model.Event{
			ev("u4", model.EventPageView, "bing", "cpc", at(25, 10)),
			ev("u4", model.EventPurchase, "bing", "cpc", at(25, 11)),
		})
		So(err, ShouldBeNil)
		So(svc.Refresh(ctx), ShouldBeNil)

		refreshed, err := svc.DailyTotals(ctx, 14)
		So(err, ShouldBeNil)
		first, _ := sumTotals(refreshed.Data)
		So(first, ShouldEqual, 3)

		Convey("When the stalled read completes", func() {
			close(store.release)
			var res result
			select {
			case res = <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("stalled read never returned")
			}

			Convey("Then it hands back the refreshed value", func() {
				So(res.err, ShouldBeNil)
				So(res.first, ShouldEqual, 3)
			})

			Convey("And the refreshed value stays cached", func() {
				snap, err := svc.DailyTotals(ctx, 14)
				So(err, ShouldBeNil)
				So(snap.Stale, ShouldBeFalse)
				first, _ := sumTotals(snap.Data)
				So(first, ShouldEqual, 3)
			})
		})
	})
}

func TestServiceViewConsistency(t *testing.T) {
	Convey("Given a service whose live feed expires on every read", t, func() {
		ctx := context.Background()
		clock := &fakeClock{t: at(27, 12)}
		store := warehouse.NewMemoryStore()
		seed(store)
		svc := newTestService(store, clock, service.WithTTLs(time.Hour, time.Nanosecond))
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop(ctx)

		Convey("When refreshes with new conversions race combined reads", func() {
			sources := []string{"google", "bing", "email"}
			stop := make(chan struct{})
			var wg sync.WaitGroup
			var refreshErr error
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; ; i++ {
					select {
					case <-stop:
						return
					default:
					}
					user := fmt.Sprintf("w%d", i)
					ts := at(20, 0).Add(time.Duration(i) * time.Second)
					if _, err := store.InsertEvents(ctx, []model.Event{
						ev(user, model.EventPageView, sources[i%len(sources)], "cpc", ts),
						ev(user, model.EventPurchase, "direct", "none", ts.Add(time.Millisecond)),
					}); err != nil {
						refreshErr = err
						return
					}
					if err := svc.Refresh(ctx); err != nil {
						refreshErr = err
						return
					}
				}
			}()

			mixed := 0
			var readErr error
			for i := 0; i < 2000 && readErr == nil; i++ {
				clock.Advance(time.Millisecond)
				v, err := svc.View(ctx, 14, 25, 50)
				if err != nil {
					readErr = err
					break
				}
				tf, tl := sumTotals(v.Totals)
				cf, cl := sumChannels(v.Channels)
				if tf != cf || tl != cl {
					mixed++
				}
			}
			close(stop)
			wg.Wait()

			Convey("Then totals and channels always come from the same cycle", func() {
				So(readErr, ShouldBeNil)
				So(refreshErr, ShouldBeNil)
				So(mixed, ShouldEqual, 0)
			})
		})

		Convey("When both panels expire and are recomputed by a read", func() {
			_, err := store.InsertEvents(ctx, []model.Event{
				ev("u4", model.EventPageView, "bing", "cpc", at(25, 10)),
				ev("u4", model.EventPurchase, "bing", "cpc", at(25, 11)),
			})
			So(err, ShouldBeNil)
			clock.Advance(2 * time.Hour)
			v, err := svc.View(ctx, 14, 25, 50)

			Convey("Then the recomputed pair agrees and is cached together", func() {
				So(err, ShouldBeNil)
				So(v.Stale, ShouldBeFalse)
				tf, tl := sumTotals(v.Totals)
				cf, cl := sumChannels(v.Channels)
				So(tf, ShouldEqual, 3)
				So(cf, ShouldEqual, tf)
				So(cl, ShouldEqual, tl)
				So(v.AsOf, ShouldEqual, clock.Now())

				again, err := svc.View(ctx, 14, 25, 50)
				So(err, ShouldBeNil)
				So(again.Totals, ShouldResemble, v.Totals)
				So(again.Channels, ShouldResemble, v.Channels)
			})
		})
	})
}
