package dedupe_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dedupe "github.com/okian/demandseries/internal/domain/dedupe"
	. "github.com/smartystreets/goconvey/convey"
)

func TestInMemoryDeduper(t *testing.T) {
	Convey("Given a new InMemoryDeduper", t, func() {
		ctx := context.Background()

		Convey("When creating a deduper with default options", func() {
			d := dedupe.NewInMemoryDeduper()

			Convey("Then it should be empty", func() {
				So(d, ShouldNotBeNil)
				So(d.Size(), ShouldEqual, 0)
			})
		})

		Convey("When recording run request keys", func() {
			d := dedupe.NewInMemoryDeduper()
			key := "s1|2024-03-01..2024-03-31"

			Convey("And the key is new", func() {
				seen := d.SeenAndRecord(ctx, key)

				Convey("Then it should return false and record the key", func() {
					So(seen, ShouldBeFalse)
					So(d.Size(), ShouldEqual, 1)
				})
			})

			Convey("And the key is already pending", func() {
				d.SeenAndRecord(ctx, key)
				seen := d.SeenAndRecord(ctx, key)

				Convey("Then it should return true", func() {
					So(seen, ShouldBeTrue)
					So(d.Size(), ShouldEqual, 1)
				})
			})

			Convey("And the key was released", func() {
				d.SeenAndRecord(ctx, key)
				d.Unrecord(ctx, key)
				d.Unrecord(ctx, key)

				Convey("Then it can be recorded again", func() {
					So(d.Size(), ShouldEqual, 0)
					So(d.SeenAndRecord(ctx, key), ShouldBeFalse)
				})
			})
		})

		Convey("When the deduper is bounded", func() {
			d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(2))
			So(d.SeenAndRecord(ctx, "a"), ShouldBeFalse)
			So(d.SeenAndRecord(ctx, "b"), ShouldBeFalse)

			Convey("Then new keys should be refused while full", func() {
				So(d.SeenAndRecord(ctx, "c"), ShouldBeTrue)
				So(d.Size(), ShouldEqual, 2)
				d.Unrecord(ctx, "a")
				So(d.SeenAndRecord(ctx, "c"), ShouldBeFalse)
			})
		})

		Convey("When keys outlive their TTL", func() {
			now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
			d := dedupe.NewInMemoryDeduper(
				dedupe.WithMaxSize(1),
				dedupe.WithTTL(time.Minute),
				dedupe.WithClock(func() time.Time { return now }),
			)
			So(d.SeenAndRecord(ctx, "a"), ShouldBeFalse)
			now = now.Add(2 * time.Minute)

			Convey("Then abandoned keys should be forgotten", func() {
				So(d.SeenAndRecord(ctx, "a"), ShouldBeFalse)
				So(d.Size(), ShouldEqual, 1)
				now = now.Add(2 * time.Minute)
				So(d.SeenAndRecord(ctx, "b"), ShouldBeFalse)
				So(d.Size(), ShouldEqual, 1)
			})
		})

		Convey("When many goroutines record the same keys", func() {
			d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(0))
			var (
				wg    sync.WaitGroup
				fresh atomic.Int64
			)
			for i := 0; i < 100; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					if !d.SeenAndRecord(ctx, fmt.Sprintf("store-%d", i%10)) {
						fresh.Add(1)
					}
				}(i)
			}
			wg.Wait()

			Convey("Then each key should be recorded once", func() {
				So(fresh.Load(), ShouldEqual, int64(10))
				So(d.Size(), ShouldEqual, int64(10))
			})
		})
	})
}
