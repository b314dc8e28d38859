package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/unitylab/clipforge/internal/domain"
)

// PlanRepository resolves processing tiers. Plans are a small immutable
// catalog seeded by migration.
type PlanRepository struct {
	db *sqlx.DB
}

// NewPlanRepository creates a new PlanRepository.
func NewPlanRepository(db *sqlx.DB) *PlanRepository {
	return &PlanRepository{db: db}
}

// ByID retrieves a plan by its ID.
func (r *PlanRepository) ByID(ctx context.Context, id string) (*domain.Plan, error) {
	var plan domain.Plan
	err := r.db.GetContext(ctx, &plan,
		`SELECT id, lane, max_input_minutes, target_multiplier, credit_multiplier
		 FROM plans WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownPlan, id)
		}
		return nil, fmt.Errorf("find plan %s: %w", id, err)
	}
	return &plan, nil
}
