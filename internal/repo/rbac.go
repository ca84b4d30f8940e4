package repo

import (
	"context"
	"database/sql"

	"concord/internal/domain"
)

func (r Repo) InsertRole(ctx context.Context, tx *sql.Tx, role domain.Role) error {
	if _, err := r.on(tx).ExecContext(ctx, `INSERT INTO roles(id,name,description,created_by_agent_id,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		role.ID, role.Name, nullable(role.Description), role.CreatedByID, role.CreatedAt, role.UpdatedAt); err != nil {
		return err
	}
	for _, code := range role.PermissionCodes {
		if err := r.AddRolePermission(ctx, tx, role.ID, code, role.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) AddRolePermission(ctx context.Context, tx *sql.Tx, roleID, code, now string) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT OR IGNORE INTO role_permissions(role_id,code,created_at) VALUES (?,?,?)`, roleID, code, now)
	return err
}

func (r Repo) GetRole(ctx context.Context, tx *sql.Tx, id string) (domain.Role, error) {
	var role domain.Role
	err := r.on(tx).QueryRowContext(ctx, `SELECT id,name,COALESCE(description,''),created_by_agent_id,created_at,updated_at FROM roles WHERE id=?`, id).
		Scan(&role.ID, &role.Name, &role.Description, &role.CreatedByID, &role.CreatedAt, &role.UpdatedAt)
	if err == sql.ErrNoRows {
		return role, ErrNotFound
	}
	if err != nil {
		return role, err
	}
	role.PermissionCodes, err = r.RolePermissions(ctx, tx, id)
	return role, err
}

// RolePermissions returns the role's codes in ascending order.
func (r Repo) RolePermissions(ctx context.Context, tx *sql.Tx, roleID string) ([]string, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT code FROM role_permissions WHERE role_id=? ORDER BY code ASC`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	perms := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (r Repo) InsertAgentRole(ctx context.Context, tx *sql.Tx, ar domain.AgentRole) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO agent_roles(id,agent_id,role_id,assigned_by_agent_id,assigned_at) VALUES (?,?,?,?,?)`,
		ar.ID, ar.AgentID, ar.RoleID, ar.AssignedByID, ar.AssignedAt)
	return err
}

func (r Repo) GetAgentRole(ctx context.Context, tx *sql.Tx, agentID, roleID string) (domain.AgentRole, error) {
	var ar domain.AgentRole
	err := r.on(tx).QueryRowContext(ctx, `SELECT id,agent_id,role_id,assigned_by_agent_id,assigned_at FROM agent_roles WHERE agent_id=? AND role_id=?`, agentID, roleID).
		Scan(&ar.ID, &ar.AgentID, &ar.RoleID, &ar.AssignedByID, &ar.AssignedAt)
	if err == sql.ErrNoRows {
		return ar, ErrNotFound
	}
	return ar, err
}

func (r Repo) DeleteAgentRole(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.on(tx).ExecContext(ctx, `DELETE FROM agent_roles WHERE id=?`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// CountPermissionHolders counts distinct agents holding code through any role.
func (r Repo) CountPermissionHolders(ctx context.Context, tx *sql.Tx, code string) (int, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `
SELECT COUNT(DISTINCT ar.agent_id) FROM agent_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE rp.code=?`, code).Scan(&n)
	return n, err
}

func (r Repo) AgentHasPermission(ctx context.Context, tx *sql.Tx, agentID, code string) (bool, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `
SELECT 1 FROM agent_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.agent_id=? AND rp.code=? LIMIT 1`, agentID, code).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) AgentPermissions(ctx context.Context, tx *sql.Tx, agentID string) ([]string, error) {
	rows, err := r.on(tx).QueryContext(ctx, `
SELECT DISTINCT rp.code
FROM agent_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.agent_id=?
ORDER BY rp.code ASC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// ListRoles returns roles oldest first with sorted codes and member counts.
func (r Repo) ListRoles(ctx context.Context) ([]domain.Role, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT ro.id, ro.name, COALESCE(ro.description,''), ro.created_by_agent_id, ro.created_at, ro.updated_at,
  (SELECT COUNT(*) FROM agent_roles ar WHERE ar.role_id=ro.id)
FROM roles ro
ORDER BY ro.created_at ASC, ro.rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Role
	for rows.Next() {
		var role domain.Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.CreatedByID, &role.CreatedAt, &role.UpdatedAt, &role.MemberCount); err != nil {
			return nil, err
		}
		res = append(res, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		codes, err := r.RolePermissions(ctx, nil, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].PermissionCodes = codes
	}
	return res, nil
}
