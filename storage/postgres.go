package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/songzhibin97/approval-flow/types"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS flow_instance_history (
	flow_instance_id BIGINT PRIMARY KEY,
	document_id      BIGINT NOT NULL,
	flow_def_id      BIGINT NOT NULL,
	initiator_id     BIGINT NOT NULL,
	status           TEXT   NOT NULL,
	current_node_id  BIGINT NOT NULL DEFAULT 0,
	start_time       BIGINT NOT NULL,
	end_time         BIGINT NOT NULL DEFAULT 0,
	updated_at       BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS task_history (
	node_instance_id BIGINT PRIMARY KEY,
	flow_instance_id BIGINT NOT NULL,
	node_id          BIGINT NOT NULL,
	assignee_id      BIGINT NOT NULL DEFAULT 0,
	status           TEXT   NOT NULL,
	comments         TEXT   NOT NULL DEFAULT '',
	created_at       BIGINT NOT NULL,
	handled_at       BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS task_history_flow_idx ON task_history (flow_instance_id);
CREATE TABLE IF NOT EXISTS activity_history (
	id               BIGINT PRIMARY KEY,
	flow_instance_id BIGINT NOT NULL,
	node_instance_id BIGINT NOT NULL DEFAULT 0,
	node_id          BIGINT NOT NULL DEFAULT 0,
	activity         TEXT   NOT NULL,
	operator_id      BIGINT NOT NULL DEFAULT 0,
	comments         TEXT   NOT NULL DEFAULT '',
	created_at       BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS activity_history_flow_idx ON activity_history (flow_instance_id, created_at);
`

// NewPool opens a pgx pool for dsn and pings it.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

// PostgresHistoryStore keeps the three history views in Postgres.
type PostgresHistoryStore struct {
	pool *pgxpool.Pool
}

// NewPostgresHistoryStore creates a history store on an existing pool.
func NewPostgresHistoryStore(pool *pgxpool.Pool) *PostgresHistoryStore {
	return &PostgresHistoryStore{pool: pool}
}

// EnsureSchema creates the history tables when missing.
func (r *PostgresHistoryStore) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, historySchema); err != nil {
		return fmt.Errorf("create history schema: %w", err)
	}
	return nil
}

// FindFlowHistory returns the summary of a flow instance.
func (r *PostgresHistoryStore) FindFlowHistory(ctx context.Context, flowInstanceID uint64) (types.FlowInstanceHistory, error) {
	query := `
		SELECT flow_instance_id, document_id, flow_def_id, initiator_id, status,
		       current_node_id, start_time, end_time, updated_at
		FROM flow_instance_history
		WHERE flow_instance_id = $1
	`
	var h types.FlowInstanceHistory
	err := r.pool.QueryRow(ctx, query, flowInstanceID).Scan(
		&h.FlowInstanceID,
		&h.DocumentID,
		&h.FlowDefID,
		&h.InitiatorID,
		&h.Status,
		&h.CurrentNodeID,
		&h.StartTime,
		&h.EndTime,
		&h.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return h, fmt.Errorf("%w: flow history %d", ErrNotFound, flowInstanceID)
	}
	if err != nil {
		return h, fmt.Errorf("get flow history: %w", err)
	}
	return h, nil
}

// InsertFlowHistory inserts a summary row.
func (r *PostgresHistoryStore) InsertFlowHistory(ctx context.Context, h types.FlowInstanceHistory) error {
	query := `
		INSERT INTO flow_instance_history (flow_instance_id, document_id, flow_def_id, initiator_id,
		                                   status, current_node_id, start_time, end_time, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.pool.Exec(ctx, query,
		h.FlowInstanceID,
		h.DocumentID,
		h.FlowDefID,
		h.InitiatorID,
		string(h.Status),
		h.CurrentNodeID,
		h.StartTime,
		h.EndTime,
		h.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert flow history: %w", err)
	}
	return nil
}

// UpdateFlowHistory updates the mutable columns of a summary row.
func (r *PostgresHistoryStore) UpdateFlowHistory(ctx context.Context, h types.FlowInstanceHistory) error {
	query := `
		UPDATE flow_instance_history
		SET status = $2, current_node_id = $3, end_time = $4, updated_at = $5
		WHERE flow_instance_id = $1
	`
	tag, err := r.pool.Exec(ctx, query, h.FlowInstanceID, string(h.Status), h.CurrentNodeID, h.EndTime, h.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update flow history: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: flow history %d", ErrNotFound, h.FlowInstanceID)
	}
	return nil
}

const taskHistoryColumns = `node_instance_id, flow_instance_id, node_id, assignee_id, status, comments, created_at, handled_at`

func scanTaskHistory(row pgx.Row) (types.TaskHistory, error) {
	var h types.TaskHistory
	err := row.Scan(
		&h.NodeInstanceID,
		&h.FlowInstanceID,
		&h.NodeID,
		&h.AssigneeID,
		&h.Status,
		&h.Comments,
		&h.CreatedAt,
		&h.HandledAt,
	)
	return h, err
}

// FindTaskHistory returns the record of a node instance.
func (r *PostgresHistoryStore) FindTaskHistory(ctx context.Context, nodeInstanceID uint64) (types.TaskHistory, error) {
	query := `SELECT ` + taskHistoryColumns + ` FROM task_history WHERE node_instance_id = $1`
	h, err := scanTaskHistory(r.pool.QueryRow(ctx, query, nodeInstanceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return h, fmt.Errorf("%w: task history %d", ErrNotFound, nodeInstanceID)
	}
	if err != nil {
		return h, fmt.Errorf("get task history: %w", err)
	}
	return h, nil
}

// InsertTaskHistory inserts a task record.
func (r *PostgresHistoryStore) InsertTaskHistory(ctx context.Context, h types.TaskHistory) error {
	query := `INSERT INTO task_history (` + taskHistoryColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query,
		h.NodeInstanceID,
		h.FlowInstanceID,
		h.NodeID,
		h.AssigneeID,
		string(h.Status),
		h.Comments,
		h.CreatedAt,
		h.HandledAt,
	)
	if err != nil {
		return fmt.Errorf("insert task history: %w", err)
	}
	return nil
}

// UpdateTaskHistory updates status, comments and handled time of a task record.
func (r *PostgresHistoryStore) UpdateTaskHistory(ctx context.Context, h types.TaskHistory) error {
	query := `
		UPDATE task_history
		SET status = $2, comments = $3, handled_at = $4
		WHERE node_instance_id = $1
	`
	tag, err := r.pool.Exec(ctx, query, h.NodeInstanceID, string(h.Status), h.Comments, h.HandledAt)
	if err != nil {
		return fmt.Errorf("update task history: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: task history %d", ErrNotFound, h.NodeInstanceID)
	}
	return nil
}

// ListTaskHistories returns the task records of a flow instance.
func (r *PostgresHistoryStore) ListTaskHistories(ctx context.Context, flowInstanceID uint64) ([]types.TaskHistory, error) {
	query := `SELECT ` + taskHistoryColumns + ` FROM task_history WHERE flow_instance_id = $1 ORDER BY node_instance_id`
	rows, err := r.pool.Query(ctx, query, flowInstanceID)
	if err != nil {
		return nil, fmt.Errorf("list task history: %w", err)
	}
	defer rows.Close()

	var out []types.TaskHistory
	for rows.Next() {
		h, err := scanTaskHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task history: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// AppendActivity inserts an activity entry. Re-delivery of the same id is ignored.
func (r *PostgresHistoryStore) AppendActivity(ctx context.Context, a types.ActivityHistory) error {
	query := `
		INSERT INTO activity_history (id, flow_instance_id, node_instance_id, node_id, activity,
		                              operator_id, comments, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.pool.Exec(ctx, query,
		a.ID,
		a.FlowInstanceID,
		a.NodeInstanceID,
		a.NodeID,
		string(a.Activity),
		a.OperatorID,
		a.Comments,
		a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// ListActivities returns the activity log of a flow instance in creation order.
func (r *PostgresHistoryStore) ListActivities(ctx context.Context, flowInstanceID uint64) ([]types.ActivityHistory, error) {
	query := `
		SELECT id, flow_instance_id, node_instance_id, node_id, activity, operator_id, comments, created_at
		FROM activity_history
		WHERE flow_instance_id = $1
		ORDER BY created_at, id
	`
	rows, err := r.pool.Query(ctx, query, flowInstanceID)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	var out []types.ActivityHistory
	for rows.Next() {
		var a types.ActivityHistory
		if err := rows.Scan(
			&a.ID,
			&a.FlowInstanceID,
			&a.NodeInstanceID,
			&a.NodeID,
			&a.Activity,
			&a.OperatorID,
			&a.Comments,
			&a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Composite serves history from a dedicated store and everything else from base.
type Composite struct {
	Storage
	history HistoryStore
}

// WithHistory routes the HistoryStore methods of base to history.
func WithHistory(base Storage, history HistoryStore) *Composite {
	return &Composite{Storage: base, history: history}
}

func (c *Composite) FindFlowHistory(ctx context.Context, id uint64) (types.FlowInstanceHistory, error) {
	return c.history.FindFlowHistory(ctx, id)
}

func (c *Composite) InsertFlowHistory(ctx context.Context, h types.FlowInstanceHistory) error {
	return c.history.InsertFlowHistory(ctx, h)
}

func (c *Composite) UpdateFlowHistory(ctx context.Context, h types.FlowInstanceHistory) error {
	return c.history.UpdateFlowHistory(ctx, h)
}

func (c *Composite) FindTaskHistory(ctx context.Context, id uint64) (types.TaskHistory, error) {
	return c.history.FindTaskHistory(ctx, id)
}

func (c *Composite) InsertTaskHistory(ctx context.Context, h types.TaskHistory) error {
	return c.history.InsertTaskHistory(ctx, h)
}

func (c *Composite) UpdateTaskHistory(ctx context.Context, h types.TaskHistory) error {
	return c.history.UpdateTaskHistory(ctx, h)
}

func (c *Composite) ListTaskHistories(ctx context.Context, id uint64) ([]types.TaskHistory, error) {
	return c.history.ListTaskHistories(ctx, id)
}

func (c *Composite) AppendActivity(ctx context.Context, a types.ActivityHistory) error {
	return c.history.AppendActivity(ctx, a)
}

func (c *Composite) ListActivities(ctx context.Context, id uint64) ([]types.ActivityHistory, error) {
	return c.history.ListActivities(ctx, id)
}
