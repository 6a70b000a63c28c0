package jobs

import (
	"context"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"subburn/internal/config"
	"subburn/internal/pkg/errors"
	"subburn/internal/pkg/logger"
)

// NewRegistry builds the registry named by cfg.Backend and verifies it is reachable.
func NewRegistry(ctx context.Context, cfg config.RegistryConfig, log *logger.Logger) (Registry, error) {
	log = log.WithComponent("registry")

	switch cfg.Backend {
	case "", "memory":
		log.Info("using in-memory job registry; job history is lost on restart")
		return NewMemoryRegistry(), nil

	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPass})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, unavailable(err, "registry.redis")
		}
		log.Info("redis job registry connected", "addr", cfg.RedisAddr, "prefix", cfg.RedisPrefix)
		return NewRedisRegistry(rdb, cfg.RedisPrefix), nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "registry.postgres", "create pool")
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, unavailable(err, "registry.postgres")
		}
		reg := NewPostgresRegistry(pool)
		if err := reg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("postgres job registry connected")
		return reg, nil

	default:
		return nil, errors.Newf(errors.CodeValidation, "unknown registry backend: %s", cfg.Backend)
	}
}

// InterruptedMessage is written into jobs found unfinished at startup.
const InterruptedMessage = "interrupted by process restart"

// FailInterrupted fails every non-terminal job. Durable registries outlive the
// process, but the pipelines that owned those jobs do not.
func FailInterrupted(ctx context.Context, reg Registry, log *logger.Logger) (int, error) {
	list, err := reg.ListAll(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, j := range list {
		if j.IsTerminal() {
			continue
		}
		var leftover string
		_, err := reg.Mutate(ctx, j.ID, func(job *RenderJob) error {
			if job.IsTerminal() {
				return nil
			}
			leftover, job.OutputPath = job.OutputPath, ""
			return job.Fail(InterruptedMessage)
		})
		if err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			return n, err
		}
		n++
		log.Warn("failed interrupted job", "job_id", j.ID, "previous_status", string(j.Status))
		if leftover != "" {
			if err := os.Remove(leftover); err != nil && !os.IsNotExist(err) {
				log.Warn("failed to remove interrupted render output", "job_id", j.ID, "path", leftover, "error", err.Error())
			}
		}
	}
	return n, nil
}
