package rules

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type ruleRepoPG struct{ pool *pgxpool.Pool }

// NewRuleRepoPG returns a repository over the clinical_rule table.
func NewRuleRepoPG(pool *pgxpool.Pool) RuleRepository { return &ruleRepoPG{pool: pool} }

func (r *ruleRepoPG) conn() queryable {
	return r.pool
}

func (r *ruleRepoPG) ListActive(ctx context.Context) ([]RuleDefinition, error) {
	rows, err := r.conn().Query(ctx, `SELECT id, definition FROM clinical_rule WHERE active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []RuleDefinition
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		defs = append(defs, decodeDefinition(id, raw))
	}
	return defs, rows.Err()
}

func (r *ruleRepoPG) Upsert(ctx context.Context, defs []RuleDefinition) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, d := range defs {
		raw, err := json.Marshal(d)
		if err != nil {
			return 0, fmt.Errorf("encode rule %s: %w", d.ID, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO clinical_rule (id, definition, active, updated_at)
			VALUES ($1, $2, true, NOW())
			ON CONFLICT (id) DO UPDATE SET definition = EXCLUDED.definition, active = true, updated_at = NOW()`,
			d.ID, raw)
		if err != nil {
			return 0, fmt.Errorf("upsert rule %s: %w", d.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(defs), nil
}

// decodeDefinition turns a stored row into a definition. A row whose JSON
// cannot be decoded keeps the decode error, so Compile rejects that rule
// alone and reports why.
func decodeDefinition(id string, raw []byte) RuleDefinition {
	var d RuleDefinition
	if err := json.Unmarshal(raw, &d); err != nil {
		return RuleDefinition{ID: id, decodeErr: err}
	}
	if d.ID == "" {
		d.ID = id
	}
	return d
}
