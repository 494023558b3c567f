package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/JasonPaff/head-shakers/backend/internal/auth"
	"github.com/JasonPaff/head-shakers/backend/internal/ingest"
	"github.com/JasonPaff/head-shakers/backend/internal/server"
	"github.com/JasonPaff/head-shakers/backend/internal/trending"
	"github.com/JasonPaff/head-shakers/backend/internal/users"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout    = 10 * time.Second
	trendingRunTimeout = 5 * time.Minute
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the trending scheduler and the view consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(signalCtx)
	if err != nil {
		return err
	}
	defer app.close()
	logger := app.logger
	appConfig := app.config

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningKey),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
		Clock:         time.Now,
	})
	if err != nil {
		return err
	}

	viewerService, err := users.NewService(users.ServiceConfig{
		Database: app.db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	realtime := server.NewRealtimeDispatcher()
	job, err := app.newJob(realtime)
	if err != nil {
		return err
	}
	scheduler, err := trending.NewScheduler(trending.SchedulerConfig{
		Runner:   job,
		Schedule: appConfig.TrendingSchedule,
		Payload: trending.Payload{
			MinViews:          appConfig.TrendingMinViews,
			IncludeEngagement: appConfig.TrendingEngage,
		},
		Logger:     logger,
		RunTimeout: trendingRunTimeout,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Views:          app.views,
		Trending:       app.trending,
		TrendingRunner: scheduler,
		ViewCounts:     job,
		Sessions:       sessionValidator,
		Viewers:        viewerService,
		Realtime:       realtime,
		Metrics:        app.metrics,
		Logger:         logger,
		TrustedProxies: appConfig.TrustedProxies,
	})
	if err != nil {
		return err
	}

	var consumer *ingest.Consumer
	if appConfig.AMQPURL != "" {
		consumer, err = ingest.NewConsumer(ingest.ConsumerConfig{
			URL:      appConfig.AMQPURL,
			Queue:    appConfig.AMQPQueue,
			Recorder: app.views,
			Logger:   logger,
			Metrics:  app.metrics,
		})
		if err != nil {
			return err
		}
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if consumer != nil {
		group.Go(func() error {
			return consumer.Run(groupCtx)
		})
	}

	scheduler.Start(groupCtx)
	defer scheduler.Stop()

	return group.Wait()
}
