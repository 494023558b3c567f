package main

import (
	"context"
	"time"

	"github.com/JasonPaff/head-shakers/backend/internal/cache"
	"github.com/JasonPaff/head-shakers/backend/internal/config"
	"github.com/JasonPaff/head-shakers/backend/internal/database"
	"github.com/JasonPaff/head-shakers/backend/internal/logging"
	"github.com/JasonPaff/head-shakers/backend/internal/metrics"
	"github.com/JasonPaff/head-shakers/backend/internal/trending"
	"github.com/JasonPaff/head-shakers/backend/internal/views"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const redisKeyPrefix = "headshakers:"

// application holds the components shared by every command.
type application struct {
	config   config.AppConfig
	logger   *zap.Logger
	db       *gorm.DB
	store    *views.Store
	cache    cache.Store
	metrics  *metrics.Metrics
	views    *views.Service
	trending *trending.Cache
	closers  []func() error
}

func newApplication(ctx context.Context) (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}
	app := &application{config: appConfig, logger: logger}

	db, err := database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
		Logger: logger,
	})
	if err != nil {
		app.close()
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		app.close()
		return nil, err
	}
	app.closers = append(app.closers, sqlDB.Close)
	app.db = db

	app.metrics = metrics.NewMetrics()
	if appConfig.RedisURL != "" {
		redisStore, err := cache.NewRedisStore(ctx, appConfig.RedisURL, redisKeyPrefix)
		if err != nil {
			app.close()
			return nil, err
		}
		app.closers = append(app.closers, redisStore.Close)
		breakerStore, err := cache.NewBreakerStore(redisStore, cache.BreakerConfig{
			Name:        "redis",
			Failures:    uint32(appConfig.BreakerFailures),
			OpenTimeout: appConfig.BreakerOpen,
			Logger:      logger,
			Metrics:     app.metrics,
		})
		if err != nil {
			app.close()
			return nil, err
		}
		app.cache = breakerStore
	} else {
		logger.Warn("redis url not configured; using in-process cache")
		app.cache = cache.NewMemoryStore(time.Now)
	}

	app.store, err = views.NewStore(db)
	if err != nil {
		app.close()
		return nil, err
	}
	app.views, err = views.NewService(views.ServiceConfig{
		Store:       app.store,
		Cache:       app.cache,
		Clock:       time.Now,
		IDProvider:  views.NewUUIDProvider(),
		Logger:      logger,
		Metrics:     app.metrics,
		DedupWindow: appConfig.DedupWindow,
	})
	if err != nil {
		app.close()
		return nil, err
	}
	app.trending, err = trending.NewCache(app.cache, logger, app.metrics)
	if err != nil {
		app.close()
		return nil, err
	}
	return app, nil
}

func (a *application) newJob(notifier trending.UpdateNotifier) (*trending.Job, error) {
	return trending.NewJob(trending.JobConfig{
		Source:        a.store,
		Cache:         a.trending,
		ViewCounts:    a.cache,
		Notifier:      notifier,
		Clock:         time.Now,
		Logger:        a.logger,
		Metrics:       a.metrics,
		RetryAttempts: a.config.RetryAttempts,
	})
}

func (a *application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("resource close failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
