package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"subburn/internal/httpkit"
	"subburn/internal/pkg/errors"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS render_jobs (
	id              text PRIMARY KEY,
	lesson_id       text NOT NULL,
	target_language text NOT NULL,
	status          text NOT NULL,
	data            jsonb NOT NULL,
	created_at      timestamptz NOT NULL,
	updated_at      timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS render_jobs_status_idx ON render_jobs (status);
`

// PostgresRegistry stores jobs in the render_jobs table. Mutate locks the row
// with SELECT ... FOR UPDATE inside a transaction.
type PostgresRegistry struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresRegistry(pool *pgxpool.Pool) *PostgresRegistry {
	return &PostgresRegistry{pool: pool, now: time.Now}
}

func (r *PostgresRegistry) Backend() string { return "postgres" }

func (r *PostgresRegistry) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
		return unavailable(err, "postgres.EnsureSchema")
	}
	return nil
}

func (r *PostgresRegistry) Create(ctx context.Context, p CreateParams) (RenderJob, error) {
	job := newJob(uuid.NewString(), p, r.now())
	data, err := encodeJob(job)
	if err != nil {
		return RenderJob{}, errors.Wrap(err, "postgres.Create", "encode job")
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO render_jobs (id, lesson_id, target_language, status, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.LessonID, job.TargetLanguage, string(job.Status), data, job.CreatedAt, job.UpdatedAt,
	)
	if httpkit.IsUniqueViolation(err) {
		return RenderJob{}, errors.AlreadyExists("job", job.ID)
	}
	if err != nil {
		return RenderJob{}, r.classify(err, "postgres.Create")
	}
	return job, nil
}

func (r *PostgresRegistry) Get(ctx context.Context, id string) (RenderJob, error) {
	var data []byte
	err := r.pool.QueryRow(ctx, `SELECT data FROM render_jobs WHERE id = $1`, id).Scan(&data)
	if err == pgx.ErrNoRows {
		return RenderJob{}, errors.NotFound("job", id)
	}
	if err != nil {
		return RenderJob{}, r.classify(err, "postgres.Get")
	}
	job, err := decodeJob(data)
	if err != nil {
		return RenderJob{}, errors.Wrap(err, "postgres.Get", "decode job")
	}
	return job, nil
}

func (r *PostgresRegistry) Mutate(ctx context.Context, id string, fn func(*RenderJob) error) (RenderJob, error) {
	var (
		result RenderJob
		appErr error
		err    error
	)

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		appErr = nil
		err = r.mutateTx(ctx, id, fn, &result, &appErr)
		if appErr != nil || !httpkit.IsSerializationFailure(err) {
			break
		}
	}
	if appErr != nil {
		return RenderJob{}, appErr
	}
	if err != nil {
		return RenderJob{}, r.classify(err, "postgres.Mutate")
	}
	return result, nil
}

// maxTxRetries bounds retries of a mutate that lost a serialization conflict.
const maxTxRetries = 3

func (r *PostgresRegistry) mutateTx(ctx context.Context, id string, fn func(*RenderJob) error, result *RenderJob, appErr *error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var data []byte
		err := tx.QueryRow(ctx, `SELECT data FROM render_jobs WHERE id = $1 FOR UPDATE`, id).Scan(&data)
		if err == pgx.ErrNoRows {
			*appErr = errors.NotFound("job", id)
			return *appErr
		}
		if err != nil {
			return err
		}

		job, err := decodeJob(data)
		if err != nil {
			*appErr = errors.Wrap(err, "postgres.Mutate", "decode job")
			return *appErr
		}
		if err := fn(&job); err != nil {
			*appErr = err
			return err
		}
		job.touch(r.now())

		out, err := encodeJob(job)
		if err != nil {
			*appErr = errors.Wrap(err, "postgres.Mutate", "encode job")
			return *appErr
		}
		if _, err := tx.Exec(ctx,
			`UPDATE render_jobs SET status = $2, data = $3, updated_at = $4 WHERE id = $1`,
			id, string(job.Status), out, job.UpdatedAt,
		); err != nil {
			return err
		}
		*result = job
		return nil
	})
}

func (r *PostgresRegistry) Delete(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM render_jobs WHERE id = $1`, id)
	if err != nil {
		return false, r.classify(err, "postgres.Delete")
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRegistry) ListAll(ctx context.Context) ([]RenderJob, error) {
	rows, err := r.pool.Query(ctx, `SELECT data FROM render_jobs ORDER BY created_at, id`)
	if err != nil {
		return nil, r.classify(err, "postgres.ListAll")
	}
	defer rows.Close()

	out := []RenderJob{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, r.classify(err, "postgres.ListAll")
		}
		job, err := decodeJob(data)
		if err != nil {
			continue
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, r.classify(err, "postgres.ListAll")
	}
	return out, nil
}

func (r *PostgresRegistry) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return unavailable(err, "postgres.Ping")
	}
	return nil
}

func (r *PostgresRegistry) Close() error {
	r.pool.Close()
	return nil
}

func (r *PostgresRegistry) classify(err error, op string) error {
	if httpkit.IsUndefinedTable(err) {
		return errors.WrapWithCode(err, errors.CodeFailedPrecond, op, "render_jobs table missing")
	}
	return unavailable(err, op)
}
