package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"subburn/internal/pkg/errors"
)

const maxWatchRetries = 32

// RedisRegistry stores each job as a JSON string under <prefix>:job:<id>,
// with the set <prefix>:jobs as index. Mutate uses WATCH/MULTI.
type RedisRegistry struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisRegistry(rdb *redis.Client, prefix string) *RedisRegistry {
	if prefix == "" {
		prefix = "subburn:render"
	}
	return &RedisRegistry{rdb: rdb, prefix: prefix, now: time.Now}
}

func (r *RedisRegistry) Backend() string { return "redis" }

// storedJob keeps OutputPath, which the API representation hides.
type storedJob struct {
	RenderJob
	OutputPath string `json:"outputPath,omitempty"`
}

func encodeJob(j RenderJob) ([]byte, error) {
	return json.Marshal(storedJob{RenderJob: j, OutputPath: j.OutputPath})
}

func decodeJob(b []byte) (RenderJob, error) {
	var s storedJob
	if err := json.Unmarshal(b, &s); err != nil {
		return RenderJob{}, err
	}
	s.RenderJob.OutputPath = s.OutputPath
	return s.RenderJob, nil
}

func (r *RedisRegistry) jobKey(id string) string { return r.prefix + ":job:" + id }
func (r *RedisRegistry) indexKey() string        { return r.prefix + ":jobs" }

func (r *RedisRegistry) Create(ctx context.Context, p CreateParams) (RenderJob, error) {
	job := newJob(uuid.NewString(), p, r.now())
	b, err := encodeJob(job)
	if err != nil {
		return RenderJob{}, errors.Wrap(err, "redis.Create", "encode job")
	}

	var setnx *redis.BoolCmd
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		setnx = pipe.SetNX(ctx, r.jobKey(job.ID), b, 0)
		pipe.SAdd(ctx, r.indexKey(), job.ID)
		return nil
	})
	if err != nil {
		return RenderJob{}, unavailable(err, "redis.Create")
	}
	if !setnx.Val() {
		return RenderJob{}, errors.AlreadyExists("job", job.ID)
	}
	return job, nil
}

func (r *RedisRegistry) Get(ctx context.Context, id string) (RenderJob, error) {
	b, err := r.rdb.Get(ctx, r.jobKey(id)).Bytes()
	if err == redis.Nil {
		return RenderJob{}, errors.NotFound("job", id)
	}
	if err != nil {
		return RenderJob{}, unavailable(err, "redis.Get")
	}
	job, err := decodeJob(b)
	if err != nil {
		return RenderJob{}, errors.Wrap(err, "redis.Get", "decode job")
	}
	return job, nil
}

func (r *RedisRegistry) Mutate(ctx context.Context, id string, fn func(*RenderJob) error) (RenderJob, error) {
	key := r.jobKey(id)
	var (
		result RenderJob
		appErr error
	)

	txf := func(tx *redis.Tx) error {
		b, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			appErr = errors.NotFound("job", id)
			return appErr
		}
		if err != nil {
			return err
		}
		job, err := decodeJob(b)
		if err != nil {
			appErr = errors.Wrap(err, "redis.Mutate", "decode job")
			return appErr
		}
		if err := fn(&job); err != nil {
			appErr = err
			return err
		}
		job.touch(r.now())

		out, err := encodeJob(job)
		if err != nil {
			appErr = errors.Wrap(err, "redis.Mutate", "encode job")
			return appErr
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		if err == nil {
			result = job
		}
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		appErr = nil
		err := r.rdb.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if appErr != nil {
			return RenderJob{}, appErr
		}
		if err == redis.TxFailedErr {
			continue
		}
		return RenderJob{}, unavailable(err, "redis.Mutate")
	}
	return RenderJob{}, errors.New(errors.CodeUnavailable, "job update contention: retries exhausted").WithField("job_id", id)
}

func (r *RedisRegistry) Delete(ctx context.Context, id string) (bool, error) {
	var del *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, r.jobKey(id))
		pipe.SRem(ctx, r.indexKey(), id)
		return nil
	})
	if err != nil {
		return false, unavailable(err, "redis.Delete")
	}
	return del.Val() > 0, nil
}

func (r *RedisRegistry) ListAll(ctx context.Context) ([]RenderJob, error) {
	ids, err := r.rdb.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, unavailable(err, "redis.ListAll")
	}
	if len(ids) == 0 {
		return []RenderJob{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.jobKey(id)
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable(err, "redis.ListAll")
	}

	out := make([]RenderJob, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		job, err := decodeJob([]byte(s))
		if err != nil {
			continue
		}
		out = append(out, job)
	}
	sortJobs(out)
	return out, nil
}

func (r *RedisRegistry) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return unavailable(err, "redis.Ping")
	}
	return nil
}

func (r *RedisRegistry) Close() error {
	return r.rdb.Close()
}

func unavailable(err error, op string) error {
	return errors.WrapWithCode(err, errors.CodeUnavailable, op, "job registry unreachable")
}
