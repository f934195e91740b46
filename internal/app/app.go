// Package app wires configuration into the concrete collaborators the
// commands run with.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/jmoiron/sqlx"
	"github.com/juju/clock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/diamory/diamory-backend/internal/config"
	"github.com/diamory/diamory-backend/internal/db"
	"github.com/diamory/diamory-backend/internal/identity"
	"github.com/diamory/diamory-backend/internal/kafka"
	"github.com/diamory/diamory-backend/internal/lifecycle"
	"github.com/diamory/diamory-backend/internal/lock"
	"github.com/diamory/diamory-backend/internal/logger"
	"github.com/diamory/diamory-backend/internal/notify"
	"github.com/diamory/diamory-backend/internal/objectstore"
	"github.com/diamory/diamory-backend/internal/repository"
	"github.com/diamory/diamory-backend/internal/worker"
)

// App owns the connections opened for one command. Everything is opened
// lazily and released by Close.
type App struct {
	Cfg   config.Config
	Log   *zap.Logger
	Clock clock.Clock

	mysql      *sqlx.DB
	clickhouse *sqlx.DB
	redis      *redis.Client
	aws        *aws.Config
	publisher  *kafka.Publisher
	closers    []func() error
}

func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	lg, err := logger.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return &App{Cfg: cfg, Log: lg, Clock: clock.WallClock}, nil
}

func (a *App) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	_ = a.Log.Sync()
	return err
}

func dbOpts(c config.DatabaseConfig) db.Opts {
	return db.Opts{
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
		ConnMaxIdleTime: c.ConnMaxIdleTime,
		PingTimeout:     c.PingTimeout,
	}
}

func (a *App) MySQL() (*sqlx.DB, error) {
	if a.mysql != nil {
		return a.mysql, nil
	}
	conn, err := db.NewMySQLConnection(a.Cfg.MySQL.DSN, dbOpts(a.Cfg.MySQL))
	if err != nil {
		return nil, fmt.Errorf("mysql connect: %w", err)
	}
	a.mysql = conn
	a.closers = append(a.closers, conn.Close)
	return conn, nil
}

// ClickHouse returns nil when no DSN is configured.
func (a *App) ClickHouse() (*sqlx.DB, error) {
	if a.clickhouse != nil || a.Cfg.ClickHouse.DSN == "" {
		return a.clickhouse, nil
	}
	conn, err := db.NewClickHouseConnection(a.Cfg.ClickHouse.DSN, dbOpts(a.Cfg.ClickHouse))
	if err != nil {
		return nil, fmt.Errorf("clickhouse connect: %w", err)
	}
	a.clickhouse = conn
	a.closers = append(a.closers, conn.Close)
	return conn, nil
}

func (a *App) Redis() (*redis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	rdb, err := db.NewRedisClient(db.RedisOpts{
		Addr:        a.Cfg.Redis.Addr,
		Password:    a.Cfg.Redis.Password,
		DB:          a.Cfg.Redis.DB,
		DialTimeout: a.Cfg.Redis.DialTimeout,
	})
	if err != nil {
		return nil, err
	}
	a.redis = rdb
	a.closers = append(a.closers, rdb.Close)
	return rdb, nil
}

func (a *App) AWS(ctx context.Context) (aws.Config, error) {
	if a.aws != nil {
		return *a.aws, nil
	}
	ac, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(a.Cfg.AWS.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	a.aws = &ac
	return ac, nil
}

func (a *App) Accounts() (*repository.AccountsRepositoryImpl, error) {
	conn, err := a.MySQL()
	if err != nil {
		return nil, err
	}
	return repository.NewAccountsRepository(conn), nil
}

// SweepRuns returns nil when the run history is disabled.
func (a *App) SweepRuns() (repository.SweepRunsRepository, error) {
	ch, err := a.ClickHouse()
	if err != nil || ch == nil {
		return nil, err
	}
	return repository.NewSweepRunsRepository(ch), nil
}

func (a *App) Identity(ctx context.Context) (*identity.CognitoService, error) {
	if a.Cfg.Cognito.UserPoolID == "" {
		return nil, fmt.Errorf("cognito.user_pool_id is empty")
	}
	ac, err := a.AWS(ctx)
	if err != nil {
		return nil, err
	}
	return identity.NewCognitoService(identity.NewCognitoClient(ac), a.Cfg.Cognito.UserPoolID), nil
}

func (a *App) Notifier(ctx context.Context) (*notify.Dispatcher, error) {
	var sesAPI notify.SESAPI
	for _, p := range a.Cfg.Mail.Providers {
		if p.Enabled && p.Kind == "ses" {
			ac, err := a.AWS(ctx)
			if err != nil {
				return nil, err
			}
			sesAPI = ses.NewFromConfig(ac)
			break
		}
	}
	return notify.FromConfig(a.Cfg.Mail, sesAPI)
}

func (a *App) Objects(ctx context.Context) (*objectstore.S3Store, error) {
	if a.Cfg.S3.Bucket == "" {
		return nil, fmt.Errorf("s3.bucket is empty")
	}
	ac, err := a.AWS(ctx)
	if err != nil {
		return nil, err
	}
	client := objectstore.NewS3Client(ac, objectstore.Opts{
		Endpoint:     a.Cfg.S3.Endpoint,
		UsePathStyle: a.Cfg.S3.UsePathStyle,
	})
	return objectstore.NewS3Store(client, a.Cfg.S3.Bucket, a.Cfg.S3.PageSize), nil
}

// Events publishes to Kafka, or drops events when no brokers are configured.
func (a *App) Events() lifecycle.EventPublisher {
	if len(a.Cfg.Kafka.Brokers) == 0 {
		return kafka.NopPublisher{}
	}
	if a.publisher == nil {
		a.publisher = kafka.NewPublisher(a.Cfg.Kafka.Brokers, a.Cfg.Kafka.EventsTopic)
		a.closers = append(a.closers, a.publisher.Close)
	}
	return a.publisher
}

// LifecycleConfig assembles the collaborators shared by both sweepers.
// Only the removal sweeper needs the object store, only the expiration
// sweeper the mail dispatcher.
func (a *App) LifecycleConfig(ctx context.Context, sweeper string) (lifecycle.Config, error) {
	loc, err := a.Cfg.Lifecycle.Location()
	if err != nil {
		return lifecycle.Config{}, err
	}
	accounts, err := a.Accounts()
	if err != nil {
		return lifecycle.Config{}, err
	}
	ident, err := a.Identity(ctx)
	if err != nil {
		return lifecycle.Config{}, err
	}

	cfg := lifecycle.Config{
		Accounts:        accounts,
		Identity:        ident,
		Events:          a.Events(),
		Clock:           a.Clock,
		Location:        loc,
		Logger:          a.Log,
		PageSize:        a.Cfg.Sweeper.PageSize,
		ContinueOnError: a.Cfg.Sweeper.ContinueOnError,
	}

	switch sweeper {
	case lifecycle.SweeperExpiration:
		n, err := a.Notifier(ctx)
		if err != nil {
			return lifecycle.Config{}, err
		}
		cfg.Notifier = n
	case lifecycle.SweeperRemoval:
		o, err := a.Objects(ctx)
		if err != nil {
			return lifecycle.Config{}, err
		}
		cfg.Objects = o
	default:
		return lifecycle.Config{}, fmt.Errorf("unknown sweeper %q", sweeper)
	}
	return cfg, nil
}

func (a *App) Sweeper(ctx context.Context, name string) (worker.Sweeper, error) {
	cfg, err := a.LifecycleConfig(ctx, name)
	if err != nil {
		return nil, err
	}
	if name == lifecycle.SweeperExpiration {
		return lifecycle.NewExpirationSweeper(cfg)
	}
	return lifecycle.NewRemovalSweeper(cfg)
}

func (a *App) SweepRunner() (*worker.SweepRunner, error) {
	r := worker.NewSweepRunner(a.Clock, a.Log)
	r.PushgatewayURL = a.Cfg.Metrics.PushgatewayURL
	if a.Cfg.Metrics.Job != "" {
		r.Job = a.Cfg.Metrics.Job
	}

	runs, err := a.SweepRuns()
	if err != nil {
		return nil, err
	}
	r.Runs = runs

	if a.Cfg.Sweeper.Lease.Enabled {
		rdb, err := a.Redis()
		if err != nil {
			return nil, err
		}
		r.Locker = lock.NewLocker(rdb, "")
		if a.Cfg.Sweeper.Lease.TTL > 0 {
			r.LeaseTTL = a.Cfg.Sweeper.Lease.TTL
		}
	}
	return r, nil
}

// ShutdownTimeout bounds graceful shutdown of long running commands.
const ShutdownTimeout = 5 * time.Second
