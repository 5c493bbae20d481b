// Command complab runs the continuous-testing daemon for student compiler
// projects: it accepts submissions, schedules sandboxed build and test runs
// and computes per-category grades.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/complab-ci/complab/cmd/complab/version"
	"github.com/complab-ci/complab/config"
	"github.com/complab-ci/complab/executor"
	"github.com/complab-ci/complab/gitrepo"
	"github.com/complab-ci/complab/grading"
	"github.com/complab-ci/complab/metrics"
	"github.com/complab-ci/complab/queue"
	"github.com/complab-ci/complab/restserver"
	"github.com/complab-ci/complab/sandbox"
	"github.com/complab-ci/complab/scheduler"
	"github.com/complab-ci/complab/store"
	"github.com/complab-ci/complab/tasting"
	"github.com/complab-ci/complab/webhook"
	"github.com/complab-ci/complab/wsstream"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var logger *zap.Logger

func main() {
	conf := loadConf()
	if conf.Version {
		fmt.Println(version.Version)
		return
	}
	initLogger(conf)
	defer logger.Sync()
	if ce := logger.Check(zap.InfoLevel, "Config loaded"); ce != nil {
		ce.Write(zap.String("config", fmt.Sprintf("%+v", conf)))
	}

	course, err := config.LoadCourse(conf.CoursePath)
	if err != nil {
		log.Fatalln("load course document failed ", err)
	}
	logger.Info("Course loaded",
		zap.Int("categories", len(course.Categories)),
		zap.Int("teams", len(course.Teams)),
		zap.String("image", course.Execution.Image))

	st := initStore(conf, course)
	rdb := initRedis(conf)
	engine := initSandbox(conf, course)

	resolver := gitrepo.NewGitResolver(conf.RepoCacheDir, logger.Named("gitrepo"))
	q := queue.New(st, resolver, rdb, logger.Named("queue"))
	exec := executor.New(engine, course.Execution, logger.Named("executor"))
	taster := tasting.New(engine, course.Execution, st, logger.Named("tasting"))
	grader := grading.NewService(st, course.Categories, logger.Named("grading"))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)

	hub := wsstream.NewHub(logger.Named("wsstream"))
	notify := webhook.Multi{
		hub,
		webhook.NewRecorder(st, "github", logger.Named("webhook")),
	}

	sched := scheduler.New(st, exec, resolver, course.Categories, notify, m,
		scheduler.Config{
			Parallelism:  conf.Parallelism,
			PollInterval: conf.PollInterval,
			WorkDir:      conf.WorkDir,
		},
		queue.SubscribeWake(context.Background(), rdb, logger.Named("queue")),
		logger.Named("scheduler"))

	logger.Info("Scheduler configured",
		zap.Int("parallelism", conf.Parallelism),
		zap.Duration("pollInterval", conf.PollInterval))

	runCtx, cancelRun := context.WithCancel(context.Background())
	servers := []initFunc{
		initBackground(runCtx, "scheduler", sched.Run),
		initBackground(runCtx, "tasting", func(ctx context.Context) error {
			return taster.Run(ctx, conf.TasteInterval)
		}),
		initBackground(runCtx, "finalizer", func(ctx context.Context) error {
			return grader.RunFinalizer(ctx, conf.FinalizeInterval)
		}),
		initBackground(runCtx, "wsstream", hub.Run),
		initHTTPServer(conf, q, st, grader, hub),
		initMonitorHTTPServer(conf, reg),
	}

	sig := make(chan os.Signal, 1+len(servers))

	stops := []stopFunc{}
	for _, s := range servers {
		start, stop := s()
		if start != nil {
			go func() {
				start()
				sig <- os.Interrupt
			}()
		}
		if stop != nil {
			stops = append(stops, stop)
		}
	}

	// graceful shutdown on signal or any server exit
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	signal.Reset(syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Shutting Down...")
	cancelRun()

	ctx, cancel := context.WithTimeout(context.TODO(), time.Second*10)
	defer cancel()

	var eg errgroup.Group
	for _, s := range stops {
		eg.Go(func() error {
			return s(ctx)
		})
	}

	go func() {
		logger.Info("Shutdown Finished", zap.Error(eg.Wait()))
		cancel()
	}()
	<-ctx.Done()
}

func loadConf() *config.Config {
	var conf config.Config
	if err := conf.Load(); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		log.Fatalln("load config failed ", err)
	}
	return &conf
}

func initLogger(conf *config.Config) {
	if conf.Silent {
		logger = zap.NewNop()
		return
	}

	var err error
	if conf.Release {
		logger, err = zap.NewProduction()
	} else {
		config := zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		config.Level.SetLevel(zap.InfoLevel)
		logger, err = config.Build()
	}
	if err != nil {
		log.Fatalln("init logger failed ", err)
	}
}

func initStore(conf *config.Config, course *config.Course) *store.Store {
	db, err := gorm.Open(mysql.Open(conf.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		log.Fatalln("open database failed ", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalln("database handle failed ", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	st := store.New(db, logger.Named("store"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := st.Migrate(ctx); err != nil {
		log.Fatalln("migrate failed ", err)
	}
	if err := st.SyncTeams(ctx, course.TeamRows()); err != nil {
		log.Fatalln("sync team roster failed ", err)
	}
	logger.Info("Store ready")
	return st
}

func initRedis(conf *config.Config) *redis.Client {
	if conf.RedisAddr == "" {
		logger.Info("Redis not configured, queue wakeups disabled")
		return nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: conf.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalln("redis ping failed ", err)
	}
	return rdb
}

func initSandbox(conf *config.Config, course *config.Course) sandbox.Engine {
	engine, err := sandbox.NewDockerEngine(sandbox.EngineConfig{
		Host:      conf.DockerHost,
		Memory:    conf.SandboxMemory,
		NanoCPUs:  conf.SandboxNanoCPUs,
		PidsLimit: conf.SandboxPids,
	}, logger.Named("sandbox"))
	if err != nil {
		log.Fatalln("connect docker failed ", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if err := engine.Ensure(ctx, course.Execution.Image); err != nil {
		log.Fatalln("pull execution image failed ", err)
	}
	if ref := course.Execution.ReferenceImage; ref != "" {
		if err := engine.Ensure(ctx, ref); err != nil {
			log.Fatalln("pull reference image failed ", err)
		}
	}
	logger.Info("Sandbox ready")
	return engine
}

type (
	stopFunc func(ctx context.Context) error
	initFunc func() (start func(), cleanUp stopFunc)
)

// initBackground adapts a context bound loop into the server lifecycle
func initBackground(ctx context.Context, name string, run func(context.Context) error) initFunc {
	return func() (start func(), cleanUp stopFunc) {
		return func() {
			err := run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Background loop stopped", zap.String("name", name), zap.Error(err))
			} else {
				logger.Info("Background loop stopped", zap.String("name", name))
			}
		}, nil
	}
}

func initHTTPServer(conf *config.Config, q *queue.Queue, st *store.Store,
	grader *grading.Service, hub *wsstream.Hub) initFunc {
	return func() (start func(), cleanUp stopFunc) {
		r := restserver.NewEngine(logger.Named("http"), conf.EnableMetrics,
			restserver.NewQueueHandle(q, st, logger.Named("http")),
			restserver.NewTaskHandle(st, logger.Named("http")),
			restserver.NewGradeHandle(grader, st, logger.Named("http")),
			hub,
		)
		r.GET("/version", func(ctx *gin.Context) { ctx.String(http.StatusOK, version.Version) })

		srv := http.Server{Addr: conf.HTTPAddr, Handler: r}
		return func() {
				logger.Info("Starting http server", zap.String("addr", conf.HTTPAddr))
				if err := srv.ListenAndServe(); errors.Is(err, http.ErrServerClosed) {
					logger.Info("Http server stopped", zap.Error(err))
				} else {
					logger.Error("Http server stopped", zap.Error(err))
				}
			}, func(ctx context.Context) error {
				logger.Info("Http server shutting down")
				return srv.Shutdown(ctx)
			}
	}
}

func initMonitorHTTPServer(conf *config.Config, reg *prometheus.Registry) initFunc {
	return func() (start func(), cleanUp stopFunc) {
		if !conf.EnableMetrics {
			return nil, nil
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		msrv := http.Server{Addr: conf.MonitorAddr, Handler: mux}
		return func() {
				logger.Info("Starting monitoring http server", zap.String("addr", conf.MonitorAddr))
				logger.Info("Monitoring http server stopped", zap.Error(msrv.ListenAndServe()))
			}, func(ctx context.Context) error {
				logger.Info("Monitoring http server shutdown")
				return msrv.Shutdown(ctx)
			}
	}
}
