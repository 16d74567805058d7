package streamdemo_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/touchpoint/internal/adapters/http/api"
	service "github.com/okian/touchpoint/internal/app"
	"github.com/okian/touchpoint/internal/domain/model"
	"github.com/okian/touchpoint/internal/streamdemo"
	"github.com/okian/touchpoint/pkg/logger"
)

func init() {
	_ = logger.Init()
}

func fixedClock() func() time.Time {
	t := time.Date(2021, 1, 27, 10, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func TestGenerator(t *testing.T) {
	Convey("Given a seeded generator over three users", t, func() {
		gen := streamdemo.NewGenerator(3, 0.5, 42, fixedClock())
		events := gen.Generate(200)

		Convey("Then every event is valid for ingestion", func() {
			for _, ev := range events {
				So(ev.UserPseudoID, ShouldNotBeEmpty)
				So(ev.EventName, ShouldBeIn, []string{model.EventPageView, model.EventPurchase})
				So(ev.TrafficSource, ShouldBeIn, streamdemo.TrafficSources)
				So(ev.TrafficMedium, ShouldBeIn, streamdemo.TrafficMediums)
				So(*ev.Campaign, ShouldBeIn, streamdemo.Campaigns)
				So(ev.EventID, ShouldEqual, model.NewEventID(ev.UserPseudoID, ev.EventTimestamp))
			}
		})

		Convey("Then timestamps strictly increase even on a frozen clock", func() {
			for i := 1; i < len(events); i++ {
				So(events[i].EventTimestamp.After(events[i-1].EventTimestamp), ShouldBeTrue)
			}
		})

		Convey("Then only purchases carry a value between 1 and 100", func() {
			purchases := 0
			for _, ev := range events {
				if ev.EventName != model.EventPurchase {
					So(ev.EventValue, ShouldBeNil)
					continue
				}
				purchases++
				So(ev.EventValue.IntPart(), ShouldBeBetweenOrEqual, 1, 100)
			}
			So(purchases, ShouldBeGreaterThan, 0)
		})

		Convey("Then a user's first event is never a purchase", func() {
			seen := map[string]bool{}
			for _, ev := range events {
				if !seen[ev.UserPseudoID] {
					So(ev.EventName, ShouldEqual, model.EventPageView)
				}
				seen[ev.UserPseudoID] = true
			}
			So(seen, ShouldHaveLength, 3)
		})
	})

	Convey("Given a generator that never converts", t, func() {
		gen := streamdemo.NewGenerator(2, 0, 1, fixedClock())
		for _, ev := range gen.Generate(50) {
			So(ev.EventName, ShouldEqual, model.EventPageView)
		}
	})
}

func TestClientBackpressure(t *testing.T) {
	Convey("Given a service that is briefly saturated", t, func() {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) <= 2 {
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"code":"backpressure"}`))
				return
			}
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"status":"accepted","accepted":1,"event_ids":["x_1"]}`))
		}))
		defer srv.Close()

		client := streamdemo.NewClient(srv.URL, time.Second)
		batch := streamdemo.NewGenerator(1, 0, 1, fixedClock()).Generate(1)

		Convey("When a batch is retried", func() {
			ack, retries, err := client.PostEventsWithRetry(context.Background(), batch, 5)

			Convey("Then it is accepted after the backoff", func() {
				So(err, ShouldBeNil)
				So(retries, ShouldEqual, 2)
				So(ack.Accepted, ShouldEqual, 1)
			})
		})

		Convey("When retries are exhausted", func() {
			_, retries, err := client.PostEventsWithRetry(context.Background(), batch, 1)

			Convey("Then backpressure is reported", func() {
				So(errors.Is(err, streamdemo.ErrBackpressure), ShouldBeTrue)
				So(retries, ShouldEqual, 1)
			})
		})
	})

	Convey("Given a service that rejects the batch", t, func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer srv.Close()

		_, retries, err := streamdemo.NewClient(srv.URL, time.Second).
			PostEventsWithRetry(context.Background(), streamdemo.NewGenerator(1, 0, 1, nil).Generate(1), 5)
		So(errors.Is(err, streamdemo.ErrRejected), ShouldBeTrue)
		So(retries, ShouldEqual, 0)
	})
}

func TestRun(t *testing.T) {
	Convey("Given a running touchpoint service", t, func() {
		ctx := context.Background()
		svc := service.New(
			service.WithAutoRefresh(false, 5*time.Second, time.Second, time.Minute),
			service.WithBatching(10, 5*time.Millisecond),
		)
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop(ctx)

		mux := http.NewServeMux()
		api.NewServer(svc, svc).Register(ctx, mux)
		srv := httptest.NewServer(mux)
		defer srv.Close()

		Convey("When a burst is streamed", func() {
			out := filepath.Join(t.TempDir(), "events", "demo.json")
			stats, err := streamdemo.Run(ctx, streamdemo.Config{
				BaseURL:        srv.URL,
				NumEvents:      40,
				Users:          5,
				BatchSize:      4,
				Workers:        2,
				ConversionRate: 0.5,
				Seed:           7,
				OutputFile:     out,
				Refresh:        true,
			})

			Convey("Then every event is accepted", func() {
				So(err, ShouldBeNil)
				So(stats.EventsGenerated, ShouldEqual, 40)
				So(stats.Accepted, ShouldEqual, 40)
				So(stats.Failed, ShouldEqual, 0)
			})

			Convey("And the events are written to the output file", func() {
				data, err := os.ReadFile(out)
				So(err, ShouldBeNil)
				var events []streamdemo.Event
				So(json.Unmarshal(data, &events), ShouldBeNil)
				So(events, ShouldHaveLength, 40)
			})

			Convey("And the conversions show up in the attribution view", func() {
				So(stats.Conversions, ShouldBeGreaterThan, 0)
				client := streamdemo.NewClient(srv.URL, time.Second)

				// Staging is asynchronous; refresh until the purchases land.
				var v streamdemo.View
				deadline := time.Now().Add(5 * time.Second)
				for time.Now().Before(deadline) {
					So(client.Refresh(ctx), ShouldBeNil)
					v, err = client.View(ctx, 0)
					So(err, ShouldBeNil)
					if v.Summary.TotalFirst > 0 {
						break
					}
					time.Sleep(20 * time.Millisecond)
				}
				So(v.Stale, ShouldBeFalse)
				So(v.Summary.TotalFirst, ShouldBeGreaterThan, 0)
				So(v.Summary.TotalFirst, ShouldEqual, v.Summary.TotalLast)
			})
		})

		Convey("When the service is unreachable", func() {
			_, err := streamdemo.Run(ctx, streamdemo.Config{BaseURL: "http://127.0.0.1:1", Timeout: time.Second})
			So(errors.Is(err, streamdemo.ErrUnhealthy), ShouldBeTrue)
		})
	})
}

func TestShowHelp(t *testing.T) {
	Convey("Given the help text", t, func() {
		r, w, err := os.Pipe()
		So(err, ShouldBeNil)
		stdout := os.Stdout
		os.Stdout = w
		streamdemo.ShowHelp()
		os.Stdout = stdout
		_ = w.Close()

		var sb strings.Builder
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			sb.Write(buf[:n])
			if err != nil {
				break
			}
		}
		So(sb.String(), ShouldContainSubstring, "-events int")
		So(sb.String(), ShouldContainSubstring, "-rate float")
	})
}
