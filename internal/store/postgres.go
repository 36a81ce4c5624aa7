package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"batchdriver/internal/apperrors"
	"batchdriver/internal/batch"
	"batchdriver/internal/instance"
)

var dialect = goqu.Dialect("postgres")

// Postgres is the Store backed by PostgreSQL. State transitions run inside
// the plpgsql functions created by the migrations.
type Postgres struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

var (
	_ Store       = (*Postgres)(nil)
	_ BatchWriter = (*Postgres)(nil)
)

// NewPostgres connects to databaseURL and brings the schema up to date.
func NewPostgres(ctx context.Context, databaseURL string, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := pgxpool.Connect(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "connect to postgres")
	}
	if err := Migrate(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}
	return &Postgres{db: db, logger: logger.With("component", "store")}, nil
}

// classify maps database errors onto apperrors sentinels.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable,
			pgerrcode.AdminShutdown, pgerrcode.CannotConnectNow:
			return apperrors.Unavailable(op, err)
		case pgerrcode.NoDataFound:
			return apperrors.NotFound("job", pgErr.Message)
		case pgerrcode.CheckViolation, pgerrcode.ForeignKeyViolation:
			return apperrors.Internal(op, errors.WithStack(err))
		}
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return apperrors.Unavailable(op, err)
	}
	return apperrors.Internal(op, errors.WithStack(err))
}

func jobColumns() []interface{} {
	return []interface{}{
		goqu.I("j.batch_id"),
		goqu.I("j.job_id"),
		goqu.I("j.state"),
		goqu.I("j.cores_mcpu"),
		goqu.I("j.always_run"),
		goqu.L("(j.cancel OR b.cancelled)").As("cancel"),
		goqu.I("j.instance_name"),
		goqu.I("j.spec"),
		goqu.I("j.directory"),
		goqu.I("b.user_name"),
		goqu.I("j.status"),
	}
}

func jobsWithBatch() *goqu.SelectDataset {
	return dialect.
		From(goqu.T("jobs").As("j")).
		InnerJoin(goqu.T("batches").As("b"), goqu.On(goqu.I("b.id").Eq(goqu.I("j.batch_id")))).
		Select(jobColumns()...).
		Order(goqu.I("j.batch_id").Asc(), goqu.I("j.job_id").Asc())
}

func (p *Postgres) queryJobs(ctx context.Context, op string, ds *goqu.SelectDataset) ([]JobRecord, error) {
	sql, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, apperrors.Internal(op, errors.WithStack(err))
	}
	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

func scanJob(row pgx.Row) (JobRecord, error) {
	var (
		rec      JobRecord
		state    string
		instName *string
		spec     []byte
		status   []byte
	)
	err := row.Scan(&rec.BatchID, &rec.JobID, &state, &rec.CoresMcpu, &rec.AlwaysRun, &rec.Cancel,
		&instName, &spec, &rec.Directory, &rec.User, &status)
	if err != nil {
		return rec, err
	}
	rec.State = batch.JobState(state)
	if instName != nil {
		rec.InstanceName = *instName
	}
	rec.Spec = spec
	if rec.Status, err = batch.UnmarshalStatus(status); err != nil {
		return rec, errors.Wrapf(err, "job %s", rec.Key())
	}
	return rec, nil
}

func (p *Postgres) ReadyJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	ds := jobsWithBatch().
		Where(goqu.I("j.state").Eq(string(batch.Ready)), goqu.I("b.closed").IsTrue()).
		Limit(uint(limit))
	return p.queryJobs(ctx, "store.readyJobs", ds)
}

func (p *Postgres) CancellableJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	ds := jobsWithBatch().
		Where(
			goqu.I("j.state").Eq(string(batch.Running)),
			goqu.I("j.always_run").IsFalse(),
			goqu.I("b.closed").IsTrue(),
			goqu.I("b.cancelled").IsTrue(),
		).
		Limit(uint(limit))
	return p.queryJobs(ctx, "store.cancellableJobs", ds)
}

func (p *Postgres) MarkJobComplete(ctx context.Context, key batch.JobKey, newState batch.JobState, status batch.Status) (CompletionResult, error) {
	const op = "store.markJobComplete"
	if !newState.IsTerminal() {
		return CompletionResult{}, apperrors.Validation("state", fmt.Sprintf("%s is not a terminal state", newState))
	}
	statusJSON, err := batch.MarshalStatus(status)
	if err != nil {
		return CompletionResult{}, apperrors.Internal(op, err)
	}
	var statusArg interface{}
	if statusJSON != nil {
		statusArg = string(statusJSON)
	}
	succeeded := status != nil && status.Succeeded()

	var (
		oldState string
		instName *string
		cores    *int64
	)
	err = p.db.QueryRow(ctx,
		`SELECT out_old_state, out_instance_name, out_cores_mcpu FROM mark_job_complete($1, $2, $3, $4, $5)`,
		key.BatchID, key.JobID, string(newState), statusArg, succeeded,
	).Scan(&oldState, &instName, &cores)
	if err != nil {
		return CompletionResult{}, classify(op, err)
	}

	res := CompletionResult{OldState: batch.JobState(oldState)}
	if instName != nil {
		res.InstanceName = *instName
	}
	if cores != nil {
		res.CoresMcpu = *cores
	}
	return res, nil
}

func (p *Postgres) callTransition(ctx context.Context, op, fn string, key batch.JobKey, instanceName, expected string) error {
	var ok bool
	err := p.db.QueryRow(ctx, fmt.Sprintf(`SELECT %s($1, $2, $3)`, fn), key.BatchID, key.JobID, instanceName).Scan(&ok)
	if err != nil {
		return classify(op, err)
	}
	if !ok {
		return apperrors.Stale("job", key.String(), expected)
	}
	return nil
}

func (p *Postgres) ScheduleJob(ctx context.Context, key batch.JobKey, instanceName string) error {
	return p.callTransition(ctx, "store.scheduleJob", "schedule_job", key, instanceName, string(batch.Ready))
}

func (p *Postgres) UnscheduleJob(ctx context.Context, key batch.JobKey, instanceName string) error {
	return p.callTransition(ctx, "store.unscheduleJob", "unschedule_job", key, instanceName, "Running on "+instanceName)
}

func (p *Postgres) GetJob(ctx context.Context, key batch.JobKey) (*JobRecord, error) {
	jobs, err := p.queryJobs(ctx, "store.getJob", jobsWithBatch().Where(
		goqu.I("j.batch_id").Eq(key.BatchID),
		goqu.I("j.job_id").Eq(key.JobID),
	))
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, apperrors.NotFound("job", key.String())
	}
	return &jobs[0], nil
}

func (p *Postgres) BatchJobs(ctx context.Context, id int64) ([]JobRecord, error) {
	if _, err := p.GetBatch(ctx, id); err != nil {
		return nil, err
	}
	return p.queryJobs(ctx, "store.batchJobs", jobsWithBatch().Where(goqu.I("j.batch_id").Eq(id)))
}

func (p *Postgres) GetBatch(ctx context.Context, id int64) (*BatchRecord, error) {
	const op = "store.getBatch"
	sql, args, err := dialect.From("batches").
		Select("id", "user_name", "attributes", "callback", "closed", "cancelled", "deleted",
			"n_jobs", "n_completed", "n_succeeded", "n_failed", "n_cancelled").
		Where(goqu.C("id").Eq(id), goqu.C("deleted").IsFalse()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, apperrors.Internal(op, errors.WithStack(err))
	}

	var (
		b        BatchRecord
		attrs    []byte
		callback *string
	)
	err = p.db.QueryRow(ctx, sql, args...).Scan(&b.ID, &b.User, &attrs, &callback, &b.Closed, &b.Cancelled, &b.Deleted,
		&b.NJobs, &b.NCompleted, &b.NSucceeded, &b.NFailed, &b.NCancelled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("batch", fmt.Sprint(id))
	}
	if err != nil {
		return nil, classify(op, err)
	}
	if callback != nil {
		b.Callback = *callback
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &b.Attributes); err != nil {
			return nil, apperrors.Internal(op, errors.Wrapf(err, "batch %d attributes", id))
		}
	}
	return &b, nil
}

var instanceColumns = []interface{}{"name", "ip_address", "state", "total_cores_mcpu", "free_cores_mcpu", "failed_request_count"}

func scanInstance(row pgx.Row) (instance.Record, error) {
	var (
		rec   instance.Record
		state string
	)
	err := row.Scan(&rec.Name, &rec.IPAddress, &state, &rec.TotalCoresMcpu, &rec.FreeCoresMcpu, &rec.FailedRequestCount)
	rec.State = instance.State(state)
	return rec, err
}

func (p *Postgres) Instances(ctx context.Context) ([]instance.Record, error) {
	const op = "store.instances"
	sql, args, err := dialect.From("instances").Select(instanceColumns...).Order(goqu.C("name").Asc()).Prepared(true).ToSQL()
	if err != nil {
		return nil, apperrors.Internal(op, errors.WithStack(err))
	}
	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []instance.Record
	for rows.Next() {
		rec, err := scanInstance(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, rec)
	}
	return out, classify(op, rows.Err())
}

func (p *Postgres) UpsertInstance(ctx context.Context, rec instance.Record) (instance.Record, error) {
	const op = "store.upsertInstance"
	free := rec.FreeCoresMcpu
	if free == 0 {
		free = rec.TotalCoresMcpu
	}
	sql, args, err := dialect.Insert("instances").
		Rows(goqu.Record{
			"name":             rec.Name,
			"ip_address":       rec.IPAddress,
			"state":            string(rec.State),
			"total_cores_mcpu": rec.TotalCoresMcpu,
			"free_cores_mcpu":  free,
		}).
		OnConflict(goqu.DoUpdate("name", goqu.Record{
			"ip_address":   goqu.L("EXCLUDED.ip_address"),
			"state":        goqu.L("EXCLUDED.state"),
			"last_updated": goqu.L("now()"),
		})).
		Returning(instanceColumns...).
		Prepared(true).ToSQL()
	if err != nil {
		return instance.Record{}, apperrors.Internal(op, errors.WithStack(err))
	}
	out, err := scanInstance(p.db.QueryRow(ctx, sql, args...))
	if err != nil {
		return instance.Record{}, classify(op, err)
	}
	return out, nil
}

func (p *Postgres) updateInstance(ctx context.Context, op, name string, set goqu.Record) error {
	set["last_updated"] = goqu.L("now()")
	sql, args, err := dialect.Update("instances").Set(set).Where(goqu.C("name").Eq(name)).Prepared(true).ToSQL()
	if err != nil {
		return apperrors.Internal(op, errors.WithStack(err))
	}
	tag, err := p.db.Exec(ctx, sql, args...)
	if err != nil {
		return classify(op, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("instance", name)
	}
	return nil
}

func (p *Postgres) SetInstanceState(ctx context.Context, name string, state instance.State) error {
	return p.updateInstance(ctx, "store.setInstanceState", name, goqu.Record{"state": string(state)})
}

func (p *Postgres) RecordInstanceHealth(ctx context.Context, name string, failedRequests int) error {
	return p.updateInstance(ctx, "store.recordInstanceHealth", name, goqu.Record{"failed_request_count": failedRequests})
}

func (p *Postgres) Ping(ctx context.Context) error {
	return classify("store.ping", p.db.Ping(ctx))
}

func (p *Postgres) Close() {
	p.db.Close()
}

func (p *Postgres) CreateBatch(ctx context.Context, nb NewBatch) (int64, error) {
	const op = "store.createBatch"
	attrs, err := json.Marshal(nb.Attributes)
	if err != nil {
		return 0, apperrors.Validation("attributes", err.Error())
	}
	if nb.Attributes == nil {
		attrs = []byte("{}")
	}
	row := goqu.Record{"user_name": nb.User, "attributes": string(attrs)}
	if nb.Callback != "" {
		row["callback"] = nb.Callback
	}
	sql, args, err := dialect.Insert("batches").Rows(row).Returning("id").Prepared(true).ToSQL()
	if err != nil {
		return 0, apperrors.Internal(op, errors.WithStack(err))
	}
	var id int64
	if err := p.db.QueryRow(ctx, sql, args...).Scan(&id); err != nil {
		return 0, classify(op, err)
	}
	return id, nil
}

func (p *Postgres) AddJobs(ctx context.Context, batchID int64, jobs []NewJob) error {
	const op = "store.addJobs"
	for _, j := range jobs {
		if j.CoresMcpu <= 0 {
			return apperrors.Validation("cores_mcpu", "cores_mcpu must be positive")
		}
	}
	err := p.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		var closed bool
		err := tx.QueryRow(ctx, `SELECT closed FROM batches WHERE id = $1 AND NOT deleted FOR UPDATE`, batchID).Scan(&closed)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.NotFound("batch", fmt.Sprint(batchID))
		}
		if err != nil {
			return err
		}
		if closed {
			return apperrors.Conflict("batch", fmt.Sprint(batchID), "batch is closed")
		}

		rows := make([]interface{}, 0, len(jobs))
		for _, j := range jobs {
			spec := j.Spec
			if len(spec) == 0 {
				spec = json.RawMessage("{}")
			}
			rows = append(rows, goqu.Record{
				"batch_id":   batchID,
				"job_id":     j.JobID,
				"cores_mcpu": j.CoresMcpu,
				"always_run": j.AlwaysRun,
				"spec":       string(spec),
				"directory":  j.Directory,
			})
		}
		sql, args, err := dialect.Insert("jobs").Rows(rows...).Prepared(true).ToSQL()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE batches SET n_jobs = n_jobs + $2 WHERE id = $1`, batchID, len(jobs))
		return err
	})
	var appErr *apperrors.Error
	if err != nil && !errors.As(err, &appErr) {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return apperrors.Conflict("batch", fmt.Sprint(batchID), "job already exists")
		}
		return classify(op, err)
	}
	return err
}

func (p *Postgres) setBatchFlag(ctx context.Context, op string, batchID int64, flag string) error {
	sql, args, err := dialect.Update("batches").
		Set(goqu.Record{flag: true}).
		Where(goqu.C("id").Eq(batchID), goqu.C("deleted").IsFalse()).
		Prepared(true).ToSQL()
	if err != nil {
		return apperrors.Internal(op, errors.WithStack(err))
	}
	tag, err := p.db.Exec(ctx, sql, args...)
	if err != nil {
		return classify(op, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("batch", fmt.Sprint(batchID))
	}
	return nil
}

func (p *Postgres) CloseBatch(ctx context.Context, batchID int64) error {
	return p.setBatchFlag(ctx, "store.closeBatch", batchID, "closed")
}

func (p *Postgres) CancelBatch(ctx context.Context, batchID int64) error {
	return p.setBatchFlag(ctx, "store.cancelBatch", batchID, "cancelled")
}

// CancelJob sets the job-level cancel flag.
func (p *Postgres) CancelJob(ctx context.Context, key batch.JobKey) error {
	const op = "store.cancelJob"
	sql, args, err := dialect.Update("jobs").
		Set(goqu.Record{"cancel": true}).
		Where(goqu.Ex{"batch_id": key.BatchID, "job_id": key.JobID}).
		Prepared(true).ToSQL()
	if err != nil {
		return apperrors.Internal(op, errors.WithStack(err))
	}
	tag, err := p.db.Exec(ctx, sql, args...)
	if err != nil {
		return classify(op, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("job", key.String())
	}
	return nil
}
