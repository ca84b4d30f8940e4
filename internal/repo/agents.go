package repo

import (
	"context"
	"database/sql"

	"concord/internal/domain"
)

const agentColumns = `id,handle,display_name,COALESCE(bio,''),status,created_at,updated_at`

func scanAgent(row *sql.Row) (domain.Agent, error) {
	var a domain.Agent
	err := row.Scan(&a.ID, &a.Handle, &a.DisplayName, &a.Bio, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO agents(id,handle,display_name,bio,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.Handle, a.DisplayName, nullable(a.Bio), a.Status, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetAgent(ctx context.Context, tx *sql.Tx, id string) (domain.Agent, error) {
	return scanAgent(r.on(tx).QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id))
}

func (r Repo) GetAgentByHandle(ctx context.Context, tx *sql.Tx, handle string) (domain.Agent, error) {
	return scanAgent(r.on(tx).QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE handle=?`, handle))
}

func (r Repo) CountAgents(ctx context.Context, tx *sql.Tx) (int, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&n)
	return n, err
}

// CountActiveAgents is the eligible-voter population.
func (r Repo) CountActiveAgents(ctx context.Context, tx *sql.Tx) (int, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE status=?`, domain.AgentActive).Scan(&n)
	return n, err
}

func (r Repo) UpdateAgentStatus(ctx context.Context, tx *sql.Tx, id, status, now string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE agents SET status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// ListAgents returns agents oldest first with the names of their roles.
func (r Repo) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	index := map[string]int{}
	for rows.Next() {
		var a domain.Agent
		if err := rows.Scan(&a.ID, &a.Handle, &a.DisplayName, &a.Bio, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		index[a.ID] = len(res)
		res = append(res, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	roleRows, err := r.DB.QueryContext(ctx, `
SELECT ar.agent_id, ro.name FROM agent_roles ar
JOIN roles ro ON ro.id=ar.role_id
ORDER BY ro.name ASC`)
	if err != nil {
		return nil, err
	}
	defer roleRows.Close()
	for roleRows.Next() {
		var agentID, name string
		if err := roleRows.Scan(&agentID, &name); err != nil {
			return nil, err
		}
		if i, ok := index[agentID]; ok {
			res[i].Roles = append(res[i].Roles, name)
		}
	}
	return res, roleRows.Err()
}
