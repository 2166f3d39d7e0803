package model_test

import (
	"errors"
	"testing"

	model "github.com/okian/demandseries/internal/domain/model"
	"github.com/shopspring/decimal"
	"github.com/smartystreets/goconvey/convey"
)

func TestRunStatus(t *testing.T) {
	convey.Convey("Given the run state machine", t, func() {
		convey.Convey("Then pending may only start, fail or be cancelled", func() {
			convey.So(model.RunPending.CanTransition(model.RunRunning), convey.ShouldBeTrue)
			convey.So(model.RunPending.CanTransition(model.RunFailed), convey.ShouldBeTrue)
			convey.So(model.RunPending.CanTransition(model.RunCancelled), convey.ShouldBeTrue)
			convey.So(model.RunPending.CanTransition(model.RunSucceeded), convey.ShouldBeFalse)
		})

		convey.Convey("Then running may reach every terminal state", func() {
			for _, s := range []model.RunStatus{model.RunSucceeded, model.RunPartial, model.RunFailed, model.RunCancelled} {
				convey.So(model.RunRunning.CanTransition(s), convey.ShouldBeTrue)
				convey.So(s.Terminal(), convey.ShouldBeTrue)
				convey.So(s.Active(), convey.ShouldBeFalse)
			}
		})

		convey.Convey("When leaving a terminal state", func() {
			next, err := model.RunSucceeded.Transition(model.RunRunning)

			convey.Convey("Then it should be rejected", func() {
				convey.So(errors.Is(err, model.ErrInvalidStatus), convey.ShouldBeTrue)
				convey.So(next, convey.ShouldEqual, model.RunSucceeded)
			})
		})
	})
}

func TestPipelineRunSummary(t *testing.T) {
	convey.Convey("Given a run with checkpoints", t, func() {
		run := model.PipelineRun{
			Checkpoints: []model.StageCheckpoint{
				{Stage: "timezone", Errors: map[string]int{"unparseable_timestamp": 2}},
				{Stage: "currency", Errors: map[string]int{"no_exchange_rate": 1, "invalid_currency": 1}},
				{Stage: "rollup"},
			},
		}

		convey.Convey("Then skipped rows should be summed per stage and reason", func() {
			convey.So(run.RowsSkipped(), convey.ShouldEqual, 4)
			convey.So(run.SkippedByReason(), convey.ShouldResemble, map[string]int{
				"timezone/unparseable_timestamp": 2,
				"currency/no_exchange_rate":      1,
				"currency/invalid_currency":      1,
			})
			convey.So(run.CompletedStages(), convey.ShouldResemble, []string{"timezone", "currency", "rollup"})
			convey.So(model.SortedReasons(run.Checkpoints[1].Errors), convey.ShouldResemble,
				[]string{"invalid_currency", "no_exchange_rate"})
		})
	})
}

func TestRawOrderAmount(t *testing.T) {
	convey.Convey("Given order lines", t, func() {
		convey.Convey("Then the line total should win when present", func() {
			o := model.RawOrder{Quantity: 3, UnitPrice: decimal.RequireFromString("2.50"), LineTotal: decimal.RequireFromString("7.00")}
			convey.So(o.Amount().String(), convey.ShouldEqual, "7")
		})

		convey.Convey("Then quantity times unit price should apply otherwise", func() {
			o := model.RawOrder{ExternalOrderID: "1001", LineIndex: 2, Quantity: 3, UnitPrice: decimal.RequireFromString("2.50")}
			convey.So(o.Amount().String(), convey.ShouldEqual, "7.5")
			convey.So(o.Ref(), convey.ShouldEqual, "order:1001#2")
		})
	})
}
