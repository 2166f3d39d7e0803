package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/okian/demandseries/internal/adapters/repository"
	"github.com/okian/demandseries/internal/domain/model"
	"github.com/smartystreets/goconvey/convey"
)

func TestCommitRun(t *testing.T) {
	convey.Convey("Given series committed for March 1-4", t, func() {
		ctx := context.Background()
		c := newClock()
		s := openStore(t, c)
		rows := []model.NormalizedSeries{
			seriesRow("SHOE", "2024-03-01", 1), seriesRow("SHOE", "2024-03-02", 2),
			seriesRow("SHOE", "2024-03-03", 3), seriesRow("SHOE", "2024-03-04", 4),
			seriesRow("HAT", "2024-03-02", 5),
		}
		err := commitRows(ctx, s, c, "run-1", span("2024-03-01", "2024-03-04"), rows)
		convey.So(err, convey.ShouldBeNil)

		convey.Convey("When a re-run covers only March 2-3", func() {
			err := commitRows(ctx, s, c, "run-2", span("2024-03-02", "2024-03-03"), []model.NormalizedSeries{
				seriesRow("SHOE", "2024-03-02", 20),
			})
			convey.So(err, convey.ShouldBeNil)
			got, err := s.QuerySeries(ctx, model.SeriesQuery{StoreID: "s1", Range: span("2024-03-01", "2024-03-04")})
			convey.So(err, convey.ShouldBeNil)

			convey.Convey("Then rows outside the range should be untouched and rows inside replaced", func() {
				convey.So(len(got), convey.ShouldEqual, 3)
				convey.So(got[0].SeriesDate.String(), convey.ShouldEqual, "2024-03-01")
				convey.So(got[0].RunID, convey.ShouldEqual, "run-1")
				convey.So(got[1].Quantity, convey.ShouldEqual, 20.0)
				convey.So(got[1].RunID, convey.ShouldEqual, "run-2")
				convey.So(got[2].SeriesDate.String(), convey.ShouldEqual, "2024-03-04")
			})
		})

		convey.Convey("When a commit carries a row outside its range", func() {
			err := commitRows(ctx, s, c, "run-2", span("2024-03-02", "2024-03-02"), []model.NormalizedSeries{
				seriesRow("SHOE", "2024-03-09", 1),
			})
			run, getErr := s.GetRun(ctx, "run-2")

			convey.Convey("Then nothing should be written and the run should stay active", func() {
				convey.So(errors.Is(err, repository.ErrInvalidRecord), convey.ShouldBeTrue)
				convey.So(getErr, convey.ShouldBeNil)
				convey.So(run.Status, convey.ShouldEqual, model.RunRunning)
				total, _, err := s.CountSeries(ctx, "s1")
				convey.So(err, convey.ShouldBeNil)
				convey.So(total, convey.ShouldEqual, 5)
			})
		})

		convey.Convey("When querying with filters", func() {
			bySKU, err := s.QuerySeries(ctx, model.SeriesQuery{StoreID: "s1", SKU: "HAT", Range: span("2024-03-01", "2024-03-04")})
			convey.So(err, convey.ShouldBeNil)
			day2, err := s.QuerySeries(ctx, model.SeriesQuery{StoreID: "s1", Range: span("2024-03-02", "2024-03-02")})
			convey.So(err, convey.ShouldBeNil)
			limited, err := s.QuerySeries(ctx, model.SeriesQuery{StoreID: "s1", Category: "Shoes", Range: span("2024-03-01", "2024-03-04"), Limit: 2})
			convey.So(err, convey.ShouldBeNil)
			other, err := s.QuerySeries(ctx, model.SeriesQuery{StoreID: "s2", Range: span("2024-03-01", "2024-03-04")})
			convey.So(err, convey.ShouldBeNil)

			convey.Convey("Then results should be ordered by day, then SKU, then category", func() {
				convey.So(len(bySKU), convey.ShouldEqual, 1)
				convey.So(bySKU[0].Revenue.String(), convey.ShouldEqual, "12.5")
				convey.So(len(day2), convey.ShouldEqual, 2)
				convey.So(day2[0].CanonicalSKU, convey.ShouldEqual, "HAT")
				convey.So(day2[1].CanonicalSKU, convey.ShouldEqual, "SHOE")
				convey.So(len(limited), convey.ShouldEqual, 2)
				convey.So(other, convey.ShouldBeEmpty)
			})
		})

		convey.Convey("When querying an inverted range", func() {
			_, err := s.QuerySeries(ctx, model.SeriesQuery{StoreID: "s1", Range: span("2024-03-04", "2024-03-01")})

			convey.Convey("Then it should be rejected", func() {
				convey.So(errors.Is(err, model.ErrInvalidRange), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When new mappings are committed next to existing ones", func() {
			run, err := s.ClaimRun(ctx, model.PipelineRun{ID: "run-3", StoreID: "s1", Range: span("2024-03-05", "2024-03-05")})
			convey.So(err, convey.ShouldBeNil)
			convey.So(s.StartRun(ctx, run.ID, c.now()), convey.ShouldBeNil)
			_, err = s.RemapSku(ctx, "s1", "shoe-red", "SHOE")
			convey.So(err, convey.ShouldBeNil)
			run.Status = model.RunSucceeded
			err = s.CommitRun(ctx, repository.Commit{Run: run, Mappings: []model.SkuMapping{
				{StoreID: "s1", RawSKU: "shoe-red", CanonicalSKU: "shoe-red", Source: model.MappingIdentity},
				{StoreID: "s1", RawSKU: "hat", CanonicalSKU: "HAT", Source: model.MappingHint},
			}})
			convey.So(err, convey.ShouldBeNil)
			mappings, err := s.ListMappings(ctx, "s1")
			convey.So(err, convey.ShouldBeNil)

			convey.Convey("Then existing mappings should win", func() {
				convey.So(len(mappings), convey.ShouldEqual, 2)
				convey.So(mappings[0].RawSKU, convey.ShouldEqual, "hat")
				convey.So(mappings[1].CanonicalSKU, convey.ShouldEqual, "SHOE")
				convey.So(mappings[1].Source, convey.ShouldEqual, model.MappingManual)
			})
		})
	})
}

func TestRemapSku(t *testing.T) {
	convey.Convey("Given committed series for two SKUs", t, func() {
		ctx := context.Background()
		c := newClock()
		s := openStore(t, c)
		rng := span("2024-03-01", "2024-03-05")
		convey.So(commitRows(ctx, s, c, "run-1", rng, []model.NormalizedSeries{
			seriesRow("shoe-red", "2024-03-02", 1), seriesRow("shoe-red", "2024-03-03", 1),
			seriesRow("SHOE", "2024-03-04", 2), seriesRow("HAT", "2024-03-01", 1),
		}), convey.ShouldBeNil)
		convey.So(commitRowsMappings(ctx, s, c, "run-0", []model.SkuMapping{
			{StoreID: "s1", RawSKU: "shoe-red", CanonicalSKU: "shoe-red", Source: model.MappingIdentity},
		}), convey.ShouldBeNil)

		convey.Convey("When a raw SKU is remapped to another canonical SKU", func() {
			res, err := s.RemapSku(ctx, "s1", "shoe-red", "SHOE")
			convey.So(err, convey.ShouldBeNil)

			convey.Convey("Then rows of both canonical SKUs should be stale and a re-run requested", func() {
				convey.So(res.OldCanonical, convey.ShouldEqual, "shoe-red")
				convey.So(res.AffectedSKUs, convey.ShouldResemble, []string{"shoe-red", "SHOE"})
				convey.So(res.StaleRows, convey.ShouldEqual, 3)
				convey.So(res.RequiresRerun, convey.ShouldBeTrue)
				convey.So(res.Range.String(), convey.ShouldEqual, "2024-03-02..2024-03-04")
				total, stale, err := s.CountSeries(ctx, "s1")
				convey.So(err, convey.ShouldBeNil)
				convey.So(total, convey.ShouldEqual, 4)
				convey.So(stale, convey.ShouldEqual, 3)
			})

			convey.Convey("Then a re-run over the range should clear the stale flags", func() {
				convey.So(commitRows(ctx, s, c, "run-2", res.Range, []model.NormalizedSeries{
					seriesRow("SHOE", "2024-03-02", 1), seriesRow("SHOE", "2024-03-03", 1), seriesRow("SHOE", "2024-03-04", 2),
				}), convey.ShouldBeNil)
				_, stale, err := s.CountSeries(ctx, "s1")
				convey.So(err, convey.ShouldBeNil)
				convey.So(stale, convey.ShouldEqual, 0)
			})
		})

		convey.Convey("When the mapping is set to its current target", func() {
			res, err := s.RemapSku(ctx, "s1", "shoe-red", "shoe-red")

			convey.Convey("Then nothing should become stale", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(res.RequiresRerun, convey.ShouldBeFalse)
				convey.So(res.StaleRows, convey.ShouldEqual, 0)
			})
		})

		convey.Convey("When a run for the store holds a live lease", func() {
			_, err := s.ClaimRun(ctx, model.PipelineRun{ID: "run-9", StoreID: "s1", Range: rng, LeaseExpiresAt: c.now().Add(time.Minute)})
			convey.So(err, convey.ShouldBeNil)
			_, err = s.RemapSku(ctx, "s1", "shoe-red", "SHOE")

			convey.Convey("Then the remap should wait for the run", func() {
				convey.So(errors.Is(err, repository.ErrRunInProgress), convey.ShouldBeTrue)
				mappings, err := s.ListMappings(ctx, "s1")
				convey.So(err, convey.ShouldBeNil)
				convey.So(mappings[0].CanonicalSKU, convey.ShouldEqual, "shoe-red")
				_, stale, err := s.CountSeries(ctx, "s1")
				convey.So(err, convey.ShouldBeNil)
				convey.So(stale, convey.ShouldEqual, 0)
			})

			convey.Convey("Then another store should remap freely", func() {
				_, err := s.RemapSku(ctx, "s2", "cap", "CAP")
				convey.So(err, convey.ShouldBeNil)
			})

			convey.Convey("Then an expired lease should not block it", func() {
				c.advance(2 * time.Minute)
				res, err := s.RemapSku(ctx, "s1", "shoe-red", "SHOE")
				convey.So(err, convey.ShouldBeNil)
				convey.So(res.RequiresRerun, convey.ShouldBeTrue)
				dead, err := s.GetRun(ctx, "run-9")
				convey.So(err, convey.ShouldBeNil)
				convey.So(dead.Status, convey.ShouldEqual, model.RunFailed)
				dead.Status = model.RunSucceeded
				err = s.CommitRun(ctx, repository.Commit{Run: dead, Rows: []model.NormalizedSeries{seriesRow("shoe-red", "2024-03-02", 1)}})
				convey.So(errors.Is(err, repository.ErrRunNotActive), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When the canonical SKU is blank", func() {
			_, err := s.RemapSku(ctx, "s1", "shoe-red", "  ")

			convey.Convey("Then it should be rejected", func() {
				convey.So(errors.Is(err, repository.ErrInvalidRecord), convey.ShouldBeTrue)
			})
		})
	})
}

// commitRowsMappings commits a run that only records mappings.
func commitRowsMappings(ctx context.Context, s *repository.SQLiteStore, c *clock, id string, mappings []model.SkuMapping) error {
	rng := span("2024-01-01", "2024-01-01")
	run, err := s.ClaimRun(ctx, model.PipelineRun{ID: id, StoreID: "s1", Range: rng})
	if err != nil {
		return err
	}
	if err := s.StartRun(ctx, id, c.now()); err != nil {
		return err
	}
	run.Status = model.RunSucceeded
	return s.CommitRun(ctx, repository.Commit{Run: run, Mappings: mappings})
}
