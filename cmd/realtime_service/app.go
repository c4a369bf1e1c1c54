package realtimeservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"roadside-dispatch/internal/general/config"
	"roadside-dispatch/internal/general/contracts"
	"roadside-dispatch/internal/general/jwt"
	"roadside-dispatch/internal/general/logger"
	"roadside-dispatch/internal/general/mongostore"
	"roadside-dispatch/internal/general/postgres"
	"roadside-dispatch/internal/general/rabbitmq"
	"roadside-dispatch/internal/general/redisstore"
	"roadside-dispatch/internal/general/registry"
	"roadside-dispatch/internal/general/websocket"
	"roadside-dispatch/internal/software/api/handler"
	apisvc "roadside-dispatch/internal/software/api/service"
	bookingsvc "roadside-dispatch/internal/software/booking/service"
	callsvc "roadside-dispatch/internal/software/call/service"
	dispatchsvc "roadside-dispatch/internal/software/dispatch/service"
	trackingsvc "roadside-dispatch/internal/software/tracking/service"

	"golang.org/x/sync/errgroup"
)

const (
	journalBuffer = 1024
	callLogBuffer = 256
	consumerRetry = 2 * time.Second
)

// Run wires the real-time core and blocks until ctx is cancelled.
func Run(ctx context.Context, configPath string, prefetch, maxConcurrent int) error {
	// set up a new logger with a static request ID for startup logs
	logger := logger.New("realtime-service")
	defer logger.Sync()
	ctx = logger.WithRequestID(ctx, "startup-001")

	// load the config from file, env overrides included
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		logger.Error(ctx, "config_load_failed", "Failed to load configuration", err, nil)
		return err
	}

	// set up a Postgres connection pool and the schema
	pool, err := postgres.NewPool(ctx, cfg, logger)
	if err != nil {
		logger.Error(ctx, "db_connection_failed", "Failed to initialize Postgres pool", err, nil)
		return err
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		logger.Error(ctx, "db_schema_failed", "Failed to apply schema", err, nil)
		return err
	}

	uow := postgres.NewUnitOfWork(pool)
	mechanicRepo := postgres.NewMechanicRepo(uow)
	bookingRepo := postgres.NewBookingRepo(uow)

	// latest location samples live in Redis
	rdb, err := redisstore.NewClient(ctx, cfg, logger)
	if err != nil {
		logger.Error(ctx, "redis_connection_failed", "Failed to connect to Redis", err, nil)
		return err
	}
	defer rdb.Close()
	latest := redisstore.NewLatestStore(rdb, cfg.Tracking.LatestTTL)

	// call logs go to Mongo
	mongoClient, err := mongostore.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error(ctx, "mongo_connection_failed", "Failed to connect to MongoDB", err, nil)
		return err
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mongoClient.Disconnect(dctx)
	}()
	mongoDB := mongoClient.Database(cfg.Mongo.Database)
	if err := mongostore.EnsureIndexes(ctx, mongoDB); err != nil {
		logger.Error(ctx, "mongo_index_failed", "Failed to create call log indexes", err, nil)
		return err
	}
	callLogs := mongostore.NewCallLogWriter(logger, mongoDB, callLogBuffer)

	// connect to RabbitMQ
	rmq, err := rabbitmq.ConnectRabbitMQ(ctx, cfg, logger)
	if err != nil {
		logger.Error(ctx, "rabbitmq_connection_failed", "Failed to connect to RabbitMQ", err, nil)
		return err
	}
	defer rmq.Close()
	publisher := rabbitmq.NewBookingPublisher(rmq)

	// set up the JWT manager
	jwtManager := jwt.NewManager(cfg.JWT.SecretKey, cfg.JWT.AccessTTL)

	// the registry is the only path to a socket
	reg := registry.New(logger)
	journal := bookingsvc.NewAsyncJournal(logger, bookingRepo, publisher, journalBuffer)
	bookings := bookingsvc.NewManager(logger, reg,
		bookingsvc.WithJournal(journal),
		bookingsvc.WithRetention(cfg.Booking.Retention),
	)

	engine := dispatchsvc.NewEngine(dispatchsvc.Config{
		OfferTimeout:   cfg.Dispatch.OfferTimeout,
		PendingTTL:     cfg.Dispatch.PendingTTL,
		SearchRadiusKM: cfg.Dispatch.SearchRadiusKM,
		MaxCandidates:  cfg.Dispatch.MaxCandidates,
		SkipOffline:    cfg.Dispatch.SkipOffline,
	}, logger, bookings, mechanicRanker{repo: mechanicRepo}, reg,
		dispatchsvc.WithDirectory(mechanicDirectory{repo: mechanicRepo}),
	)

	tracker := trackingsvc.NewRelay(trackingsvc.Config{
		MinInterval: cfg.Tracking.MinInterval,
	}, logger, bookings, reg, latest)

	caller := callsvc.NewRelay(callsvc.Config{
		NegotiationGrace: cfg.Call.NegotiationGrace,
		RingTimeout:      cfg.Call.RingTimeout,
		ICEServers:       iceServers(cfg.Call.ICEServers),
	}, logger, bookings, reg, callsvc.WithLogSink(callLogSink{writer: callLogs}))

	// closing a booking releases its dispatch, tracking and call state
	bookings.OnClosed(engine.Release)
	bookings.OnClosed(tracker.Forget)
	bookings.OnClosed(caller.Close)
	reg.OnTeardown(registry.TopicDispatch, engine.MechanicGone)
	reg.OnTeardown(registry.TopicCall, caller.PartyLeft)

	api := apisvc.New(logger, apisvc.Deps{
		Bookings:   bookings,
		Dispatcher: engine,
		Archive:    bookingRepo,
		Mechanics:  mechanicRepo,
		Calls:      caller,
		Bindings:   reg,
		Broker:     rmq,
	})

	// set up the HTTP and WebSocket routes
	ws := websocket.NewWebSocket(logger, jwtManager, reg, bookings, engine, tracker, caller, cfg.WebSocket.SendBuffer)
	mux := http.NewServeMux()
	handler.NewAPIHandler(api, logger, jwtManager, ws).RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Services.RealtimeServicePort), // listen on the specified port
		Handler:           withConcurrencyLimit(maxConcurrent, mux),             // apply the concurrency limiter
		ReadHeaderTimeout: 5 * time.Second,                                      // time to read headers
		ReadTimeout:       10 * time.Second,                                     // time to read full request body
		WriteTimeout:      15 * time.Second,                                     // full response write timeout
		IdleTimeout:       60 * time.Second,                                     // keep-alive window
		BaseContext:       func(net.Listener) context.Context { return ctx },    // pass base ctx to all handlers
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return journal.Run(gctx) })
	g.Go(func() error { return bookings.Run(gctx) })
	g.Go(func() error { return callLogs.Run(gctx) })
	g.Go(func() error {
		consumeCommands(gctx, logger, rmq, prefetch, api.HandleCommand)
		return nil
	})

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http_server_error", "HTTP server terminated with error", err, map[string]any{"port": cfg.Services.RealtimeServicePort})
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		// graceful HTTP shutdown, then drop every live socket
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http_shutdown_failed", "Failed to gracefully shut down HTTP server", err, nil)
		}
		reg.Close()
		return nil
	})

	logger.Info(ctx, "service_started",
		fmt.Sprintf("Realtime service started on port %d", cfg.Services.RealtimeServicePort),
		map[string]any{"port": cfg.Services.RealtimeServicePort, "max_concurrent": maxConcurrent, "prefetch": prefetch},
	)

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info(context.Background(), "service_stopped", "Realtime service stopped", nil)
	return nil
}

// consumeCommands keeps a booking command consumer alive across broker reconnects.
func consumeCommands(ctx context.Context, log *logger.Logger, rmq *rabbitmq.Client, prefetch int, handle func(context.Context, contracts.BookingCommand) error) {
	for {
		err := rmq.ConsumeBookingCommands(ctx, prefetch, handle)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warn(ctx, "command_consumer_restart", "booking command consumer stopped", map[string]any{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(consumerRetry):
		}
	}
}

// withConcurrencyLimit wraps an http.Handler with a semaphore-based limiter.
// It controls how many HTTP requests can be in-progress at the same time.
// Socket upgrades bypass it since they live for the whole session.
func withConcurrencyLimit(n int, next http.Handler) http.Handler {
	if n <= 0 {
		return next
	}
	sem := make(chan struct{}, n)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			next.ServeHTTP(w, r)
			return
		}
		select {
		case sem <- struct{}{}: // acquire
			defer func() { <-sem }() // release
			next.ServeHTTP(w, r)
		case <-r.Context().Done():
			// client canceled or server is shutting down
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		}
	})
}
