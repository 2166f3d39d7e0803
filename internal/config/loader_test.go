package config_test

import (
	"context"
	"errors"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/okian/demandseries/internal/config"
	"github.com/smartystreets/goconvey/convey"
)

func TestConfig_New(t *testing.T) {
	convey.Convey("Given a new config with default options", t, func() {
		cfg := config.New()

		convey.Convey("Then it should have sensible defaults", func() {
			convey.So(cfg.Addr, convey.ShouldEqual, ":9090")
			convey.So(cfg.WorkerCount, convey.ShouldEqual, runtime.NumCPU())
			convey.So(cfg.OutlierMinPoints, convey.ShouldEqual, 14)
			convey.So(cfg.OutlierIQRMultiplier, convey.ShouldEqual, 1.5)
			convey.So(cfg.InterpolationMode, convey.ShouldEqual, config.InterpolationZero)
			convey.So(cfg.OutlierStrategy, convey.ShouldEqual, config.OutlierCap)
			convey.So(cfg.LockBackend, convey.ShouldEqual, config.LockBackendLocal)
			convey.So(cfg.Validate(), convey.ShouldBeNil)
		})
	})
}

func TestConfigLoader(t *testing.T) {
	convey.Convey("Given a config loader", t, func() {
		ctx := context.Background()
		clearConfigEnvVars()
		defer clearConfigEnvVars()

		convey.Convey("When loading config with defaults only", func() {
			cfg, err := config.Load(ctx)

			convey.Convey("Then it should load successfully with defaults", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.DatabasePath, convey.ShouldEqual, "demandseries.db")
				convey.So(cfg.Schedule, convey.ShouldEqual, "15 2 * * *")
				convey.So(cfg.RunLease, convey.ShouldEqual, 10*time.Minute)
			})
		})

		convey.Convey("When loading config with environment variables", func() {
			_ = os.Setenv("DEMAND_WORKER_COUNT", "16")
			_ = os.Setenv("DEMAND_INTERPOLATION_MODE", "linear")
			_ = os.Setenv("DEMAND_OUTLIER_MIN_POINTS", "21")
			_ = os.Setenv("DEMAND_RUN_LEASE", "90s")
			_ = os.Setenv("DEMAND_OUTLIER_STRATEGY", "flag")

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should override defaults with env vars", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.WorkerCount, convey.ShouldEqual, 16)
				convey.So(cfg.InterpolationMode, convey.ShouldEqual, config.InterpolationLinear)
				convey.So(cfg.OutlierMinPoints, convey.ShouldEqual, 21)
				convey.So(cfg.RunLease, convey.ShouldEqual, 90*time.Second)
				convey.So(cfg.OutlierStrategy, convey.ShouldEqual, config.OutlierFlag)
			})
		})

		convey.Convey("When loading config with a YAML file and env overrides", func() {
			yamlContent := `
# pipeline settings
database_path: "/var/lib/demand/series.db"
worker_count: 24
outlier_iqr_multiplier: 3.0
lock_backend: redis
redis_addr: "redis:6379"
`
			tmpFile := createTempConfigFile(yamlContent)
			defer func() { _ = os.Remove(tmpFile) }()
			_ = os.Setenv("DEMAND_CONFIG", tmpFile)
			_ = os.Setenv("DEMAND_WORKER_COUNT", "32")

			cfg, err := config.Load(ctx)

			convey.Convey("Then env should win over the file and the file over defaults", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.DatabasePath, convey.ShouldEqual, "/var/lib/demand/series.db")
				convey.So(cfg.WorkerCount, convey.ShouldEqual, 32)
				convey.So(cfg.OutlierIQRMultiplier, convey.ShouldEqual, 3.0)
				convey.So(cfg.LockBackend, convey.ShouldEqual, config.LockBackendRedis)
				convey.So(cfg.RedisAddr, convey.ShouldEqual, "redis:6379")
				convey.So(cfg.OutlierMinPoints, convey.ShouldEqual, 14)
			})
		})

		convey.Convey("When loading config with invalid YAML file", func() {
			tmpFile := createTempConfigFile(`invalid: yaml: content: [`)
			defer func() { _ = os.Remove(tmpFile) }()
			_ = os.Setenv("DEMAND_CONFIG", tmpFile)

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return a load error", func() {
				convey.So(errors.Is(err, config.ErrLoadConfig), convey.ShouldBeTrue)
				convey.So(cfg, convey.ShouldBeNil)
			})
		})

		convey.Convey("When loading config with non-existent file", func() {
			_ = os.Setenv("DEMAND_CONFIG", "/non/existent/file.yaml")

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return an error", func() {
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(cfg, convey.ShouldBeNil)
			})
		})

		convey.Convey("When loading config with invalid numeric environment variables", func() {
			_ = os.Setenv("DEMAND_WORKER_COUNT", "not_a_number")

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return an error", func() {
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(cfg, convey.ShouldBeNil)
			})
		})

		convey.Convey("When loading config with an unknown interpolation mode", func() {
			_ = os.Setenv("DEMAND_INTERPOLATION_MODE", "spline")

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return a validation error", func() {
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
				convey.So(err.Error(), convey.ShouldContainSubstring, "interpolation_mode")
				convey.So(cfg, convey.ShouldBeNil)
			})
		})

		convey.Convey("When the redis backend has no address", func() {
			_ = os.Setenv("DEMAND_LOCK_BACKEND", "redis")
			_ = os.Setenv("DEMAND_REDIS_ADDR", "")

			_, err := config.Load(ctx)

			convey.Convey("Then it should return a validation error", func() {
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
			})
		})
	})
}

func TestConfigValidate(t *testing.T) {
	convey.Convey("Given configs with bad values", t, func() {
		cases := map[string]func(*config.Config){
			"database_path":          func(c *config.Config) { c.DatabasePath = " " },
			"outlier_min_points":     func(c *config.Config) { c.OutlierMinPoints = 0 },
			"outlier_iqr_multiplier": func(c *config.Config) { c.OutlierIQRMultiplier = 0 },
			"refund_clamp_tolerance": func(c *config.Config) { c.RefundClampTolerance = -1 },
			"schedule_lookback_days": func(c *config.Config) { c.ScheduleLookbackDays = 0 },
			"run_lease":              func(c *config.Config) { c.RunLease = 0 },
			"lock_backend":           func(c *config.Config) { c.LockBackend = "etcd" },
			"outlier_strategy":       func(c *config.Config) { c.OutlierStrategy = "drop" },
		}

		for key, mutate := range cases {
			cfg := config.New()
			mutate(cfg)
			err := cfg.Validate()
			convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
			convey.So(err.Error(), convey.ShouldContainSubstring, key)
		}
	})
}

// Helper functions.

func clearConfigEnvVars() {
	envVars := []string{
		"DEMAND_CONFIG",
		"DEMAND_WORKER_COUNT",
		"DEMAND_INTERPOLATION_MODE",
		"DEMAND_OUTLIER_MIN_POINTS",
		"DEMAND_RUN_LEASE",
		"DEMAND_OUTLIER_STRATEGY",
		"DEMAND_LOCK_BACKEND",
		"DEMAND_REDIS_ADDR",
	}
	for _, envVar := range envVars {
		_ = os.Unsetenv(envVar)
	}
}

func createTempConfigFile(content string) string {
	tmpFile, err := os.CreateTemp("", "demandseries-config-*.yaml")
	if err != nil {
		panic(err)
	}

	if _, err := tmpFile.WriteString(content); err != nil {
		panic(err)
	}

	if err := tmpFile.Close(); err != nil {
		panic(err)
	}

	return tmpFile.Name()
}
