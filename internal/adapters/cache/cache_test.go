package cache

import (
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

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

func TestFreshness(t *testing.T) {
	Convey("Given an entry written with a 10s ttl", t, func() {
		clock := &fakeClock{t: time.Date(2021, 1, 27, 0, 0, 0, 0, time.UTC)}
		c := New[int](WithClock(clock.Now))
		c.Put("totals:14", 42, 10*time.Second)

		Convey("When read before the ttl elapses", func() {
			clock.Advance(9999 * time.Millisecond)
			v, ok := c.Get("totals:14")

			Convey("Then it is fresh", func() {
				So(ok, ShouldBeTrue)
				So(v, ShouldEqual, 42)
			})
		})

		Convey("When read exactly at the ttl", func() {
			clock.Advance(10 * time.Second)
			_, ok := c.Get("totals:14")

			Convey("Then it is a miss", func() {
				So(ok, ShouldBeFalse)
			})

			Convey("Then the stale value is still readable", func() {
				v, createdAt, found := c.GetStale("totals:14")
				So(found, ShouldBeTrue)
				So(v, ShouldEqual, 42)
				So(createdAt, ShouldEqual, time.Date(2021, 1, 27, 0, 0, 0, 0, time.UTC))
			})
		})

		Convey("When the key was never written", func() {
			_, ok := c.Get("live:50")
			_, _, found := c.GetStale("live:50")

			Convey("Then both lookups miss", func() {
				So(ok, ShouldBeFalse)
				So(found, ShouldBeFalse)
			})
		})

		Convey("When the entry is replaced", func() {
			clock.Advance(20 * time.Second)
			c.Put("totals:14", 7, 10*time.Second)
			v, ok := c.Get("totals:14")

			Convey("Then the new value is fresh again", func() {
				So(ok, ShouldBeTrue)
				So(v, ShouldEqual, 7)
			})
		})
	})
}

func TestInvalidate(t *testing.T) {
	Convey("Given entries of several operations", t, func() {
		c := New[string]()
		c.Put(Key("totals", "2021-01-27", 14), "t14", time.Minute)
		c.Put(Key("totals", "2021-01-27", 7), "t7", time.Minute)
		c.Put(Key("channels", "2021-01-27", 25), "c", time.Minute)
		c.Put(Key("live", 50), "l", time.Minute)

		Convey("When invalidating one operation by prefix", func() {
			n := c.Invalidate("totals:")

			Convey("Then only its entries are removed", func() {
				So(n, ShouldEqual, 2)
				So(c.Len(), ShouldEqual, 2)
				_, ok := c.Get("channels:2021-01-27:25")
				So(ok, ShouldBeTrue)
			})
		})

		Convey("When invalidating everything", func() {
			So(c.Invalidate("*"), ShouldEqual, 4)

			Convey("Then the cache is empty", func() {
				So(c.Len(), ShouldEqual, 0)
				So(c.InvalidateAll(), ShouldEqual, 0)
			})
		})
	})
}

func TestSwapAndGetMany(t *testing.T) {
	Convey("Given a populated cache", t, func() {
		clock := &fakeClock{t: time.Unix(0, 0)}
		c := New[int](WithClock(clock.Now))
		c.Put("a", 1, time.Second)
		c.Put("b", 1, time.Second)
		c.Put("stray", 1, time.Second)

		Convey("When a new generation is swapped in", func() {
			clock.Advance(5 * time.Second)
			c.Swap([]Entry[int]{{Key: "a", Value: 2, TTL: time.Second}, {Key: "b", Value: 2, TTL: time.Second}})

			Convey("Then only the new entries exist and all are fresh", func() {
				got := c.GetMany("a", "b", "stray")
				So(got[0], ShouldResemble, Lookup[int]{Value: 2, CreatedAt: clock.Now(), Found: true, Fresh: true})
				So(got[1].Value, ShouldEqual, 2)
				So(got[2].Found, ShouldBeFalse)
			})
		})

		Convey("When readers race a swap", func() {
			var wg sync.WaitGroup
			mixed := false
			var mu sync.Mutex
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for j := 0; j < 200; j++ {
						got := c.GetMany("a", "b")
						if !got[0].Found || !got[1].Found || got[0].Value != got[1].Value {
							mu.Lock()
							mixed = true
							mu.Unlock()
						}
					}
				}()
			}
			for v := 2; v < 50; v++ {
				c.Swap([]Entry[int]{{Key: "a", Value: v, TTL: time.Second}, {Key: "b", Value: v, TTL: time.Second}})
			}
			wg.Wait()

			Convey("Then no reader sees a half-swapped or empty state", func() {
				So(mixed, ShouldBeFalse)
			})
		})
	})
}

func TestPutIfGeneration(t *testing.T) {
	Convey("Given a cache read at some generation", t, func() {
		clock := &fakeClock{t: time.Unix(0, 0)}
		c := New[int](WithClock(clock.Now))
		c.Put("a", 1, time.Second)
		_, gen := c.GetManyAt("a")

		Convey("When nothing swapped since", func() {
			ok := c.PutIfGeneration(gen, Entry[int]{Key: "a", Value: 2, TTL: time.Second}, Entry[int]{Key: "b", Value: 2, TTL: time.Second})

			Convey("Then all entries are stored together", func() {
				So(ok, ShouldBeTrue)
				got := c.GetMany("a", "b")
				So(got[0].Value, ShouldEqual, 2)
				So(got[1].Value, ShouldEqual, 2)
				So(c.Generation(), ShouldEqual, gen)
			})
		})

		Convey("When a swap landed in between", func() {
			c.Swap([]Entry[int]{{Key: "a", Value: 3, TTL: time.Second}})
			ok := c.PutIfGeneration(gen, Entry[int]{Key: "a", Value: 2, TTL: time.Second})

			Convey("Then the older value is rejected", func() {
				So(ok, ShouldBeFalse)
				v, fresh := c.Get("a")
				So(fresh, ShouldBeTrue)
				So(v, ShouldEqual, 3)
			})
		})

		Convey("When the cache was invalidated in between", func() {
			c.Invalidate("a")
			So(c.PutIfGeneration(gen, Entry[int]{Key: "a", Value: 2, TTL: time.Second}), ShouldBeFalse)

			_, gen2 := c.GetManyAt("a")
			c.InvalidateAll()
			So(c.PutIfGeneration(gen2, Entry[int]{Key: "a", Value: 2, TTL: time.Second}), ShouldBeFalse)
			So(c.Len(), ShouldEqual, 0)
		})
	})
}

func TestKey(t *testing.T) {
	Convey("Given operation parameters", t, func() {
		So(Key("totals", "2021-01-27", 14), ShouldEqual, "totals:2021-01-27:14")
		So(Key("live"), ShouldEqual, "live")
	})
}
