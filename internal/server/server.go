package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/victornm/etrivia/internal/api"
	"github.com/victornm/etrivia/internal/event"
	"github.com/victornm/etrivia/internal/game"
	"github.com/victornm/etrivia/internal/history"
	"github.com/victornm/etrivia/internal/leaderboard"
	"github.com/victornm/etrivia/internal/ratelimit"
	"github.com/victornm/etrivia/internal/room"
	"github.com/victornm/etrivia/internal/scheduler"
	"github.com/victornm/etrivia/internal/state"
	"github.com/victornm/etrivia/internal/store"
	"github.com/victornm/etrivia/internal/sweeper"
	"github.com/victornm/etrivia/internal/telemetry"
	"github.com/victornm/etrivia/internal/trivia"
)

type RedisConfig struct {
	Addrs  []string
	Pass   string
	Prefix string
}

type Config struct {
	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	Log struct {
		Level  string
		Format string
	}

	Redis struct {
		// Game holds the live rooms. It must be a single node or a sentinel setup: room transactions span
		// several keys.
		Game RedisConfig
		// Cache holds the trivia token and category caches.
		Cache RedisConfig
	}

	Postgres struct {
		History struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}

	Game struct {
		RoomTTL            time.Duration
		ResultsDelay       time.Duration
		TickInterval       time.Duration
		SweepInterval      time.Duration
		CompletedRetention time.Duration
		IdleAfter          time.Duration
		PollInterval       time.Duration
		RoomsPerHour       int
		StoreRetries       int
	}

	Trivia struct {
		BaseURL       string
		Timeout       time.Duration
		MaxRetries    int
		TokenTTL      time.Duration
		CategoriesTTL time.Duration
	}
}

// DefaultConfig returns the values used for every key the config file and environment leave unset.
func DefaultConfig() Config {
	var c Config

	c.HTTP.Port = 8080
	c.GRPC.Port = 8081
	c.Log.Level = "info"
	c.Log.Format = "json"

	c.Redis.Game = RedisConfig{Addrs: []string{"localhost:6379"}, Prefix: "etrivia"}
	c.Redis.Cache = RedisConfig{Addrs: []string{"localhost:6379"}, Prefix: "etrivia"}

	c.Postgres.History.Addr = "localhost:5432"
	c.Postgres.History.User = "postgres"
	c.Postgres.History.Name = "etrivia"

	c.Game.RoomTTL = 24 * time.Hour
	c.Game.ResultsDelay = 3 * time.Second
	c.Game.TickInterval = 500 * time.Millisecond
	c.Game.SweepInterval = time.Minute
	c.Game.CompletedRetention = time.Hour
	c.Game.IdleAfter = 90 * time.Second
	c.Game.PollInterval = 2 * time.Second
	c.Game.RoomsPerHour = 5
	c.Game.StoreRetries = 16

	c.Trivia.BaseURL = "https://opentdb.com"
	c.Trivia.Timeout = 5 * time.Second
	c.Trivia.MaxRetries = 2
	c.Trivia.TokenTTL = 6 * time.Hour
	c.Trivia.CategoriesTTL = time.Hour

	return c
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			game  redis.UniversalClient
			cache redis.UniversalClient
		}

		postgres struct {
			history *pgxpool.Pool
		}
	}

	service struct {
		rooms       *room.Service
		game        *game.Service
		state       *state.Service
		leaderboard *leaderboard.Service
		sweeper     *sweeper.Service
		history     *history.Service
		trivia      *trivia.Client
	}

	metrics   *telemetry.Metrics
	scheduler *scheduler.Scheduler
	// ctx scopes the background jobs, cancel stops them on shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	http   *http.Server
	grpc   *grpc.Server
	health *health.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	logger, err := telemetry.NewLogger(os.Stdout, c.Log.Level, c.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("server: init logger: %w", err)
	}
	slog.SetDefault(logger)

	s.eb = event.NewBus()

	s.metrics, err = telemetry.NewMetrics(prometheus.DefaultRegisterer, s.eb)
	if err != nil {
		return nil, fmt.Errorf("server: init metrics: %w", err)
	}

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initService(); err != nil {
		return nil, fmt.Errorf("server: init service: %w", err)
	}

	s.initScheduler()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(name string, c RedisConfig) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    c.Addrs,
			Password: c.Pass,
		})

		if err := telemetry.MonitorRedis(r, name); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.game, err = connect("game", s.c.Redis.Game)
	if err != nil {
		return fmt.Errorf("game: %w", err)
	}

	s.infra.redis.cache, err = connect("cache", s.c.Redis.Cache)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() (err error) {
	connect := func(addr, user, pass, name string) (*pgxpool.Pool, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", user, pass, addr, name))
		if err != nil {
			return nil, err
		}

		db, err := pgxpool.NewWithConfig(ctx, cc)
		if err != nil {
			return nil, err
		}

		if err := db.Ping(ctx); err != nil {
			return nil, err
		}

		return db, nil
	}

	h := s.c.Postgres.History
	s.infra.postgres.history, err = connect(h.Addr, h.User, h.Pass, h.Name)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}

	return nil
}

func (s *Server) initService() error {
	g := s.c.Game

	st := store.New(store.Config{
		Redis:      s.infra.redis.game,
		Prefix:     s.c.Redis.Game.Prefix,
		MaxRetries: g.StoreRetries,
	})

	s.service.trivia = trivia.NewClient(trivia.Config{
		BaseURL:       s.c.Trivia.BaseURL,
		Redis:         s.infra.redis.cache,
		Prefix:        s.c.Redis.Cache.Prefix,
		Timeout:       s.c.Trivia.Timeout,
		MaxRetries:    s.c.Trivia.MaxRetries,
		TokenTTL:      s.c.Trivia.TokenTTL,
		CategoriesTTL: s.c.Trivia.CategoriesTTL,
	})

	s.service.rooms = room.NewService(room.Config{
		Store: st,
		Limiter: ratelimit.New(ratelimit.Config{
			Redis:  s.infra.redis.game,
			Prefix: s.c.Redis.Game.Prefix,
			Limit:  g.RoomsPerHour,
			Window: time.Hour,
		}),
		EventBus:  s.eb,
		RoomTTL:   g.RoomTTL,
		IdleAfter: g.IdleAfter,
	})

	s.service.game = game.NewService(game.Config{
		Store:        st,
		Source:       s.service.trivia,
		EventBus:     s.eb,
		ResultsDelay: g.ResultsDelay,
	})

	s.service.state = state.NewService(state.Config{
		Store:        st,
		Game:         s.service.game,
		Rooms:        s.service.rooms,
		PollInterval: g.PollInterval,
	})

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		Store: st,
	})

	s.service.sweeper = sweeper.New(sweeper.Config{
		Store:              st,
		Rooms:              s.service.rooms,
		EventBus:           s.eb,
		CompletedRetention: g.CompletedRetention,
	})

	s.service.history = history.NewService(history.Config{
		EventBus: s.eb,
		DB:       s.infra.postgres.history,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.service.history.Migrate(ctx)
}

func (s *Server) initScheduler() {
	s.scheduler = scheduler.New(scheduler.Config{
		Jobs: []scheduler.Job{
			{
				Name:     "progress",
				Interval: s.c.Game.TickInterval,
				Run:      s.service.game.Tick,
			},
			{
				Name:     "sweep",
				Interval: s.c.Game.SweepInterval,
				Run: func(ctx context.Context) error {
					_, err := s.service.sweeper.Sweep(ctx)
					return err
				},
			},
		},
	})
}

func (s *Server) initAPI() {
	gin.SetMode(gin.ReleaseMode)

	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery(), s.metrics.GinMiddleware())

	api.New(api.Config{
		Router:      e,
		Rooms:       s.service.rooms,
		Game:        s.service.game,
		State:       s.service.state,
		Leaderboard: s.service.leaderboard,
		Categories:  s.service.trivia,
		History:     s.service.history,
	})

	s.grpc = grpc.NewServer(telemetry.GRPCServerInterceptor())
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := s.ctx

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		return s.scheduler.Run(ctx)
	})

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.health.Shutdown()
	s.cancel()

	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.eb.Stop()

	s.infra.postgres.history.Close()
	for _, r := range []redis.UniversalClient{s.infra.redis.game, s.infra.redis.cache} {
		if err := r.Close(); err != nil {
			slog.ErrorContext(ctx, "server: close redis failed", "error", err)
		}
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
