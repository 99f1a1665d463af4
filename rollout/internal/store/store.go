package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/OptiInfra/Platform/rollout/internal/models"
)

var ErrNotFound = errors.New("not found")

// Store persists workflow state. The controller mutates a WorkflowState in
// memory and saves the whole aggregate; there are no partial field updates.
type Store interface {
	CreateWorkflow(ctx context.Context, st *models.WorkflowState) (*models.WorkflowState, error)
	GetWorkflow(ctx context.Context, id uuid.UUID) (*models.WorkflowState, error)
	ListWorkflows(ctx context.Context, filter ListFilter) ([]*models.WorkflowState, error)
	SaveWorkflow(ctx context.Context, st *models.WorkflowState) (*models.WorkflowState, error)
	ClaimNextPending(ctx context.Context) (*models.WorkflowState, error)
	RequestCancel(ctx context.Context, id uuid.UUID) (*models.WorkflowState, error)
	CancelRequested(ctx context.Context, id uuid.UUID) (bool, error)
	Ping(ctx context.Context) error
}

type ListFilter struct {
	CustomerID string
	Status     models.WorkflowStatus
	Limit      int
	Offset     int
}

type PGStore struct {
	db *sql.DB
}

// NewPGStore returns a Postgres-backed store and ensures its schema exists.
func NewPGStore(db *sql.DB) (*PGStore, error) {
	s := &PGStore{db: db}
	if err := s.ensureSchema(); err != nil {
		return nil, fmt.Errorf("ensure rollout schema: %w", err)
	}
	return s, nil
}

func (s *PGStore) ensureSchema() error {
	const q = `
CREATE TABLE IF NOT EXISTS rollout_workflows (
  id uuid PRIMARY KEY,
  customer_id text NOT NULL,
  status text NOT NULL,
  opportunities jsonb NOT NULL DEFAULT '[]',
  approvals jsonb NOT NULL DEFAULT '[]',
  coordination_complete boolean NOT NULL DEFAULT false,
  phases jsonb NOT NULL DEFAULT '[]',
  baseline jsonb,
  current_quality jsonb,
  rollback_triggered boolean NOT NULL DEFAULT false,
  rollbacks jsonb NOT NULL DEFAULT '[]',
  status_history jsonb NOT NULL DEFAULT '[]',
  final_savings double precision NOT NULL DEFAULT 0,
  error_message text NOT NULL DEFAULT '',
  cancel_requested boolean NOT NULL DEFAULT false,
  claimed_at timestamptz,
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_rollout_workflows_status ON rollout_workflows (status, created_at);
CREATE INDEX IF NOT EXISTS idx_rollout_workflows_customer ON rollout_workflows (customer_id, created_at DESC);
`
	_, err := s.db.Exec(q)
	return err
}

const workflowColumns = `id, customer_id, status, opportunities, approvals, coordination_complete, phases, baseline, current_quality, rollback_triggered, rollbacks, status_history, final_savings, error_message, cancel_requested, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkflow(row rowScanner) (*models.WorkflowState, error) {
	var (
		st            models.WorkflowState
		opportunities []byte
		approvals     []byte
		phases        []byte
		baseline      []byte
		current       []byte
		rollbacks     []byte
		history       []byte
	)
	if err := row.Scan(
		&st.ID,
		&st.CustomerID,
		&st.Status,
		&opportunities,
		&approvals,
		&st.CoordinationComplete,
		&phases,
		&baseline,
		&current,
		&st.RollbackTriggered,
		&rollbacks,
		&history,
		&st.FinalSavings,
		&st.ErrorMessage,
		&st.CancelRequested,
		&st.CreatedAt,
		&st.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := decodeInto(opportunities, &st.Opportunities); err != nil {
		return nil, fmt.Errorf("decode opportunities: %w", err)
	}
	if err := decodeInto(approvals, &st.Approvals); err != nil {
		return nil, fmt.Errorf("decode approvals: %w", err)
	}
	if err := decodeInto(phases, &st.Phases); err != nil {
		return nil, fmt.Errorf("decode phases: %w", err)
	}
	if err := decodeInto(rollbacks, &st.Rollbacks); err != nil {
		return nil, fmt.Errorf("decode rollbacks: %w", err)
	}
	if err := decodeInto(history, &st.StatusHistory); err != nil {
		return nil, fmt.Errorf("decode status history: %w", err)
	}
	if len(baseline) > 0 {
		st.Baseline = &models.QualitySnapshot{}
		if err := json.Unmarshal(baseline, st.Baseline); err != nil {
			return nil, fmt.Errorf("decode baseline: %w", err)
		}
	}
	if len(current) > 0 {
		st.Current = &models.QualitySnapshot{}
		if err := json.Unmarshal(current, st.Current); err != nil {
			return nil, fmt.Errorf("decode current quality: %w", err)
		}
	}
	return &st, nil
}

func decodeInto(raw []byte, dst interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// jsonArray marshals v, normalizing a nil slice to an empty jsonb array.
func jsonArray(v interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 || string(b) == "null" {
		return json.RawMessage("[]"), nil
	}
	return b, nil
}

// jsonOrNull marshals v, mapping a nil pointer to SQL NULL.
func jsonOrNull(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case *models.QualitySnapshot:
		if t == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

type encodedState struct {
	opportunities json.RawMessage
	approvals     json.RawMessage
	phases        json.RawMessage
	rollbacks     json.RawMessage
	history       json.RawMessage
	baseline      interface{}
	current       interface{}
}

func encodeState(st *models.WorkflowState) (encodedState, error) {
	var enc encodedState
	var err error
	if enc.opportunities, err = jsonArray(st.Opportunities); err != nil {
		return enc, fmt.Errorf("encode opportunities: %w", err)
	}
	if enc.approvals, err = jsonArray(st.Approvals); err != nil {
		return enc, fmt.Errorf("encode approvals: %w", err)
	}
	if enc.phases, err = jsonArray(st.Phases); err != nil {
		return enc, fmt.Errorf("encode phases: %w", err)
	}
	if enc.rollbacks, err = jsonArray(st.Rollbacks); err != nil {
		return enc, fmt.Errorf("encode rollbacks: %w", err)
	}
	if enc.history, err = jsonArray(st.StatusHistory); err != nil {
		return enc, fmt.Errorf("encode status history: %w", err)
	}
	if enc.baseline, err = jsonOrNull(st.Baseline); err != nil {
		return enc, fmt.Errorf("encode baseline: %w", err)
	}
	if enc.current, err = jsonOrNull(st.Current); err != nil {
		return enc, fmt.Errorf("encode current quality: %w", err)
	}
	return enc, nil
}

func (s *PGStore) CreateWorkflow(ctx context.Context, st *models.WorkflowState) (*models.WorkflowState, error) {
	if st.ID == uuid.Nil {
		st.ID = uuid.New()
	}
	enc, err := encodeState(st)
	if err != nil {
		return nil, err
	}
	query := `
		INSERT INTO rollout_workflows (id, customer_id, status, opportunities, approvals, coordination_complete, phases, baseline, current_quality, rollback_triggered, rollbacks, status_history, final_savings, error_message, cancel_requested, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING ` + workflowColumns
	row := s.db.QueryRowContext(ctx, query,
		st.ID, st.CustomerID, st.Status,
		enc.opportunities, enc.approvals, st.CoordinationComplete, enc.phases,
		enc.baseline, enc.current, st.RollbackTriggered, enc.rollbacks, enc.history,
		st.FinalSavings, st.ErrorMessage, st.CancelRequested, st.CreatedAt, st.UpdatedAt,
	)
	created, err := scanWorkflow(row)
	if err != nil {
		return nil, fmt.Errorf("insert workflow: %w", err)
	}
	return created, nil
}

func (s *PGStore) GetWorkflow(ctx context.Context, id uuid.UUID) (*models.WorkflowState, error) {
	query := `SELECT ` + workflowColumns + ` FROM rollout_workflows WHERE id=$1`
	st, err := scanWorkflow(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return st, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func (s *PGStore) ListWorkflows(ctx context.Context, filter ListFilter) ([]*models.WorkflowState, error) {
	query := `SELECT ` + workflowColumns + ` FROM rollout_workflows WHERE 1=1`
	args := []interface{}{}
	argPos := 1
	if filter.CustomerID != "" {
		query += fmt.Sprintf(" AND customer_id = $%d", argPos)
		args = append(args, filter.CustomerID)
		argPos++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, filter.Status)
		argPos++
	}
	query += " ORDER BY created_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, normalizeLimit(filter.Limit))
	argPos++
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*models.WorkflowState
	for rows.Next() {
		st, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		workflows = append(workflows, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflows: %w", err)
	}
	return workflows, nil
}

func (s *PGStore) SaveWorkflow(ctx context.Context, st *models.WorkflowState) (*models.WorkflowState, error) {
	enc, err := encodeState(st)
	if err != nil {
		return nil, err
	}
	query := `
		UPDATE rollout_workflows
		SET status=$2,
		    opportunities=$3,
		    approvals=$4,
		    coordination_complete=$5,
		    phases=$6,
		    baseline=$7,
		    current_quality=$8,
		    rollback_triggered=$9,
		    rollbacks=$10,
		    status_history=$11,
		    final_savings=$12,
		    error_message=$13,
		    cancel_requested=$14,
		    updated_at=NOW()
		WHERE id=$1
		RETURNING ` + workflowColumns
	row := s.db.QueryRowContext(ctx, query,
		st.ID, st.Status,
		enc.opportunities, enc.approvals, st.CoordinationComplete, enc.phases,
		enc.baseline, enc.current, st.RollbackTriggered, enc.rollbacks, enc.history,
		st.FinalSavings, st.ErrorMessage, st.CancelRequested,
	)
	saved, err := scanWorkflow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("save workflow: %w", err)
	}
	return saved, nil
}

// ClaimNextPending locks the oldest pending workflow and stamps claimed_at so
// competing workers skip it. The status itself stays pending; the claiming
// worker owns every transition from there. A claim older than ten minutes is
// treated as abandoned and handed out again.
func (s *PGStore) ClaimNextPending(ctx context.Context) (*models.WorkflowState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const selectPending = `
		SELECT id FROM rollout_workflows
		WHERE status='pending' AND (claimed_at IS NULL OR claimed_at < NOW() - INTERVAL '10 minutes')
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`
	var id uuid.UUID
	if err := tx.QueryRowContext(ctx, selectPending).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select pending workflow: %w", err)
	}

	claimQuery := `
		UPDATE rollout_workflows
		SET claimed_at=NOW(), updated_at=NOW()
		WHERE id=$1
		RETURNING ` + workflowColumns
	st, err := scanWorkflow(tx.QueryRowContext(ctx, claimQuery, id))
	if err != nil {
		return nil, fmt.Errorf("claim workflow: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return st, nil
}

func (s *PGStore) RequestCancel(ctx context.Context, id uuid.UUID) (*models.WorkflowState, error) {
	query := `
		UPDATE rollout_workflows
		SET cancel_requested=TRUE, updated_at=NOW()
		WHERE id=$1
		RETURNING ` + workflowColumns
	st, err := scanWorkflow(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("request cancel: %w", err)
	}
	return st, nil
}

func (s *PGStore) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	const query = `SELECT cancel_requested FROM rollout_workflows WHERE id=$1`
	var requested bool
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&requested); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("get cancel flag: %w", err)
	}
	return requested, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
