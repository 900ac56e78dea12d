package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/jonwraymond/dbguard/alerting"
	"github.com/jonwraymond/dbguard/client"
	"github.com/jonwraymond/dbguard/config"
	"github.com/jonwraymond/dbguard/health"
	"github.com/jonwraymond/dbguard/observe"
	"github.com/jonwraymond/dbguard/resilience"
)

// app holds the wired components of one dbguard process.
type app struct {
	cfg     *config.Config
	logger  observe.Logger
	db      *sql.DB
	gorm    *gorm.DB
	clients []*client.Client
	agg     *health.Aggregator
	engine  *alerting.Engine
	closers []io.Closer
}

func newApp(ctx context.Context, cfg *config.Config, obs observe.Observer) (*app, error) {
	logger := obs.Logger()
	metrics, err := observe.NewMetrics(obs.Meter())
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	tracer := observe.NewTracer(obs.Tracer())

	dsn, err := mysql.ParseDSN(cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("database dsn: %w", err)
	}
	connector, err := mysql.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("database connector: %w", err)
	}
	counting := client.NewCountingConnector(connector, nil)
	db := sql.OpenDB(counting)
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.Database.ConnMaxIdleTime)

	a := &app{cfg: cfg, logger: logger, db: db}

	retry, err := cfg.Retry.Resilience()
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	schemas := cfg.Database.Schemas
	if len(schemas) == 0 {
		schemas = []string{cfg.Database.Name}
	}
	for _, schema := range schemas {
		mc := cfg.Monitor.Health(schema)
		c := client.New(client.Config{
			Name:           schema,
			Schema:         schema,
			Breaker:        cfg.Breaker.CircuitBreaker(),
			Retry:          retry,
			Monitor:        mc,
			MaxConcurrent:  cfg.Database.MaxConcurrent,
			MaxWait:        cfg.Database.MaxWait,
			AttemptTimeout: cfg.Database.AttemptTimeout,
			DB:             db,
			Logger:         logger,
			Metrics:        metrics,
			Tracer:         tracer,
		})
		a.clients = append(a.clients, c)
	}
	// Connection opens belong to the pool, not to a schema.
	counting.Attach(a.clients[0].Monitor())

	a.gorm, err = gorm.Open(gormmysql.New(gormmysql.Config{Conn: db, SkipInitializeWithVersion: true}), &gorm.Config{
		Logger:               gormlogger.Default.LogMode(gormlogger.Silent),
		DisableAutomaticPing: true,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("gorm: %w", err)
	}

	a.agg = health.NewAggregator()
	a.agg.Register("ping", health.NewPingChecker("ping", a.clients[0]))
	a.agg.Register("pool", health.NewPoolChecker(client.PoolStatsFromDB(db, nil), health.PoolCheckerConfig{}))
	for _, c := range a.clients {
		a.agg.Register("schema:"+c.Name(), c.Monitor())
	}

	if cfg.Alerting.Enabled {
		if err := a.buildAlerting(metrics); err != nil {
			a.close()
			return nil, err
		}
	}

	logger.Info(ctx, "dbguard configured",
		observe.Field{Key: "schemas", Value: schemas},
		observe.Field{Key: "retry_preset", Value: cfg.Retry.Preset},
		observe.Field{Key: "alerting", Value: cfg.Alerting.Enabled},
	)
	return a, nil
}

func (a *app) buildAlerting(metrics observe.Metrics) error {
	channels, closers, err := buildChannels(a.cfg.Alerting.Channels, a.logger)
	a.closers = append(a.closers, closers...)
	if err != nil {
		return err
	}

	monitors := make([]*health.Monitor, 0, len(a.clients))
	breakers := make([]*resilience.CircuitBreaker, 0, len(a.clients))
	for _, c := range a.clients {
		monitors = append(monitors, c.Monitor())
		breakers = append(breakers, c.Breaker())
	}
	a.engine, err = alerting.NewEngine(alerting.EngineConfig{
		Source:             alerting.MonitorSource{Monitors: monitors, Breakers: breakers},
		EvaluationInterval: a.cfg.Alerting.EvaluationInterval,
		MaxAlerts:          a.cfg.Alerting.MaxAlerts,
		Channels:           channels,
		ChannelRate:        a.cfg.Alerting.ChannelRate,
		ChannelBurst:       a.cfg.Alerting.ChannelBurst,
		Logger:             a.logger,
		Metrics:            metrics,
	})
	if err != nil {
		return fmt.Errorf("alerting: %w", err)
	}

	for _, rc := range a.cfg.Alerting.Rules {
		r, err := rc.Rule()
		if err != nil {
			return err
		}
		if err := a.engine.AddRule(r); err != nil {
			return err
		}
	}
	return nil
}

// start launches the monitor and alerting loops and probes the database
// once. A failed probe is logged; the process still serves its endpoints.
func (a *app) start(ctx context.Context) error {
	for _, c := range a.clients {
		if err := c.Start(ctx); err != nil {
			return err
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var version string
	err := client.NewGorm(a.clients[0], a.gorm).Run(probeCtx, "startup.version", func(tx *gorm.DB) error {
		return tx.Raw("SELECT VERSION()").Scan(&version).Error
	})
	if err != nil {
		a.logger.Warn(ctx, "database probe failed", observe.Field{Key: "error", Value: err})
	} else {
		a.logger.Info(ctx, "database reachable", observe.Field{Key: "version", Value: version})
	}

	if a.engine != nil {
		if err := a.engine.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) close() {
	if a.engine != nil {
		a.engine.Stop()
	}
	for _, c := range a.clients {
		c.Stop()
	}
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn(context.Background(), "shutdown incomplete", observe.Field{Key: "error", Value: err})
	}
}
