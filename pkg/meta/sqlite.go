package meta

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/latticehq/lattice/pkg/action"
)

// SQLiteAdapter implements Adapter on an embedded SQLite database.
type SQLiteAdapter struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tenants (
	tenant_id INTEGER PRIMARY KEY,
	id_tag    TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS actions (
	tenant_id   INTEGER NOT NULL,
	action_id   TEXT NOT NULL,
	dedupe_key  TEXT,
	issuer_tag  TEXT NOT NULL,
	type        TEXT NOT NULL,
	sub_type    TEXT NOT NULL DEFAULT '',
	parent_id   TEXT NOT NULL DEFAULT '',
	audience    TEXT NOT NULL DEFAULT '',
	content     BLOB,
	attachments TEXT,
	subject     TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	expires_at  INTEGER,
	visibility  TEXT NOT NULL DEFAULT '',
	flags       TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	x           BLOB,
	PRIMARY KEY (tenant_id, action_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_actions_dedupe
	ON actions (tenant_id, dedupe_key) WHERE dedupe_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_actions_parent
	ON actions (tenant_id, parent_id);
CREATE INDEX IF NOT EXISTS idx_actions_subject
	ON actions (tenant_id, subject);

CREATE TABLE IF NOT EXISTS action_tokens (
	tenant_id INTEGER NOT NULL,
	action_id TEXT NOT NULL,
	token     TEXT NOT NULL,
	PRIMARY KEY (tenant_id, action_id)
);

CREATE TABLE IF NOT EXISTS profiles (
	tenant_id          INTEGER NOT NULL,
	id_tag             TEXT NOT NULL,
	following          INTEGER NOT NULL DEFAULT 0,
	follower           INTEGER NOT NULL DEFAULT 0,
	connected          INTEGER NOT NULL DEFAULT 0,
	connection_pending INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, id_tag)
);
`

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema. Use ":memory:" for an ephemeral database.
func OpenSQLite(path string) (*SQLiteAdapter, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("meta: open sqlite: %w", err)
	}
	// SQLite supports one writer; serialize at the pool level.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("meta: sqlite pragmas: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("meta: apply schema: %w", err)
	}
	return &SQLiteAdapter{db: db}, nil
}

func (s *SQLiteAdapter) Close() error { return s.db.Close() }

// AddTenant registers a tenant and its id-tag.
func (s *SQLiteAdapter) AddTenant(ctx context.Context, tenant action.TenantID, idTag string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (tenant_id, id_tag) VALUES (?, ?)
		 ON CONFLICT (tenant_id) DO UPDATE SET id_tag = excluded.id_tag`,
		tenant, idTag)
	if err != nil {
		return fmt.Errorf("meta: add tenant: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces constraint failures in the error text.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLiteAdapter) CreateAction(ctx context.Context, tenant action.TenantID, a *action.Action, dedupeKey string) error {
	if a.ID == "" {
		return fmt.Errorf("meta: action id required")
	}
	var attachments any
	if len(a.Attachments) > 0 {
		b, err := json.Marshal(a.Attachments)
		if err != nil {
			return fmt.Errorf("meta: marshal attachments: %w", err)
		}
		attachments = string(b)
	}
	var key any
	if dedupeKey != "" {
		key = dedupeKey
	}
	var expiresAt any
	if !a.ExpiresAt.IsZero() {
		expiresAt = a.ExpiresAt.Unix()
	}
	var visibility string
	if a.Visibility != 0 {
		visibility = a.Visibility.String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actions (
			tenant_id, action_id, dedupe_key, issuer_tag, type, sub_type,
			parent_id, audience, content, attachments, subject,
			created_at, expires_at, visibility, flags, status, x
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tenant, a.ID, key, a.IssuerTag, a.Type, a.SubType,
		a.ParentID, a.AudienceTag, []byte(a.Content), attachments, a.Subject,
		a.CreatedAt.Unix(), expiresAt, visibility, a.Flags, a.Status.String(), []byte(a.X))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: action %s", action.ErrDuplicate, a.ID)
		}
		return fmt.Errorf("meta: create action: %w", err)
	}
	return nil
}

const actionColumns = `action_id, issuer_tag, type, sub_type, parent_id, audience,
	content, attachments, subject, created_at, expires_at, visibility, flags, status, x`

func scanAction(scan func(dest ...any) error) (*action.Action, error) {
	var a action.Action
	var content, x []byte
	var attachments sql.NullString
	var createdAt int64
	var expiresAt sql.NullInt64
	var visibility, status string

	err := scan(&a.ID, &a.IssuerTag, &a.Type, &a.SubType, &a.ParentID, &a.AudienceTag,
		&content, &attachments, &a.Subject, &createdAt, &expiresAt,
		&visibility, &a.Flags, &status, &x)
	if err != nil {
		return nil, err
	}
	a.Content = json.RawMessage(content)
	a.X = json.RawMessage(x)
	if attachments.Valid {
		if err := json.Unmarshal([]byte(attachments.String), &a.Attachments); err != nil {
			return nil, fmt.Errorf("corrupt attachments for %s: %w", a.ID, err)
		}
	}
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	if expiresAt.Valid {
		a.ExpiresAt = time.Unix(expiresAt.Int64, 0).UTC()
	}
	a.Visibility = action.ParseVisibility(visibility)
	st, err := action.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("corrupt status for %s: %w", a.ID, err)
	}
	a.Status = st
	return &a, nil
}

func (s *SQLiteAdapter) GetAction(ctx context.Context, tenant action.TenantID, id string) (*action.Action, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE tenant_id = ? AND action_id = ?`,
		tenant, id)
	a, err := scanAction(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: action %s", action.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("meta: get action: %w", err)
	}
	return a, nil
}

func (s *SQLiteAdapter) GetActionByKey(ctx context.Context, tenant action.TenantID, dedupeKey string) (*action.Action, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE tenant_id = ? AND dedupe_key = ?`,
		tenant, dedupeKey)
	a, err := scanAction(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: key %s", action.ErrNotFound, dedupeKey)
	}
	if err != nil {
		return nil, fmt.Errorf("meta: get action by key: %w", err)
	}
	return a, nil
}

func (s *SQLiteAdapter) ListActions(ctx context.Context, tenant action.TenantID, opts ListOptions) ([]*action.Action, error) {
	query := `SELECT ` + actionColumns + ` FROM actions WHERE tenant_id = ?`
	args := []any{tenant}

	if len(opts.Types) > 0 {
		query += ` AND type IN (?` + strings.Repeat(",?", len(opts.Types)-1) + `)`
		for _, t := range opts.Types {
			args = append(args, t)
		}
	}
	if opts.Subject != "" {
		query += ` AND subject = ?`
		args = append(args, opts.Subject)
	}
	if opts.ParentID != "" {
		query += ` AND parent_id = ?`
		args = append(args, opts.ParentID)
	}
	if len(opts.Statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(",?", len(opts.Statuses)-1) + `)`
		for _, st := range opts.Statuses {
			args = append(args, st.String())
		}
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("meta: list actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*action.Action
	for rows.Next() {
		a, err := scanAction(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("meta: list actions: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("meta: list actions: %w", err)
	}
	return out, nil
}

func (s *SQLiteAdapter) UpdateStatus(ctx context.Context, tenant action.TenantID, id string, to action.Status) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("meta: update status: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM actions WHERE tenant_id = ? AND action_id = ?`,
		tenant, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: action %s", action.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("meta: update status: %w", err)
	}
	from, err := action.ParseStatus(current)
	if err != nil {
		return fmt.Errorf("corrupt status for %s: %w", id, err)
	}
	next, err := action.Transition(from, to)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE actions SET status = ? WHERE tenant_id = ? AND action_id = ?`,
		next.String(), tenant, id); err != nil {
		return fmt.Errorf("meta: update status: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteAdapter) PatchX(ctx context.Context, tenant action.TenantID, id string, patch map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("meta: patch x: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing []byte
	err = tx.QueryRowContext(ctx,
		`SELECT x FROM actions WHERE tenant_id = ? AND action_id = ?`,
		tenant, id).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: action %s", action.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("meta: patch x: %w", err)
	}
	merged, err := mergeX(existing, patch)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE actions SET x = ? WHERE tenant_id = ? AND action_id = ?`,
		[]byte(merged), tenant, id); err != nil {
		return fmt.Errorf("meta: patch x: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteAdapter) StoreToken(ctx context.Context, tenant action.TenantID, id, token string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO action_tokens (tenant_id, action_id, token) VALUES (?, ?, ?)
		 ON CONFLICT (tenant_id, action_id) DO UPDATE SET token = excluded.token`,
		tenant, id, token)
	if err != nil {
		return fmt.Errorf("meta: store token: %w", err)
	}
	return nil
}

func (s *SQLiteAdapter) GetToken(ctx context.Context, tenant action.TenantID, id string) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx,
		`SELECT token FROM action_tokens WHERE tenant_id = ? AND action_id = ?`,
		tenant, id).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: token for %s", action.ErrNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("meta: get token: %w", err)
	}
	return token, nil
}

func (s *SQLiteAdapter) ReadProfile(ctx context.Context, tenant action.TenantID, idTag string) (*Profile, error) {
	p := Profile{IDTag: idTag}
	err := s.db.QueryRowContext(ctx,
		`SELECT following, follower, connected, connection_pending FROM profiles
		 WHERE tenant_id = ? AND id_tag = ?`,
		tenant, idTag).Scan(&p.Following, &p.Follower, &p.Connected, &p.ConnectionPending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: profile %s", action.ErrNotFound, idTag)
	}
	if err != nil {
		return nil, fmt.Errorf("meta: read profile: %w", err)
	}
	return &p, nil
}

func (s *SQLiteAdapter) UpdateProfile(ctx context.Context, tenant action.TenantID, idTag string, patch ProfilePatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("meta: update profile: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO profiles (tenant_id, id_tag) VALUES (?, ?)
		 ON CONFLICT (tenant_id, id_tag) DO NOTHING`,
		tenant, idTag); err != nil {
		return fmt.Errorf("meta: update profile: %w", err)
	}

	set := func(column string, value *bool) error {
		if value == nil {
			return nil
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE profiles SET `+column+` = ? WHERE tenant_id = ? AND id_tag = ?`,
			*value, tenant, idTag)
		return err
	}
	if err := set("following", patch.Following); err != nil {
		return fmt.Errorf("meta: update profile: %w", err)
	}
	if err := set("follower", patch.Follower); err != nil {
		return fmt.Errorf("meta: update profile: %w", err)
	}
	if err := set("connected", patch.Connected); err != nil {
		return fmt.Errorf("meta: update profile: %w", err)
	}
	if err := set("connection_pending", patch.ConnectionPending); err != nil {
		return fmt.Errorf("meta: update profile: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteAdapter) ListFollowerTags(ctx context.Context, tenant action.TenantID) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id_tag FROM profiles WHERE tenant_id = ? AND follower = 1 ORDER BY id_tag`,
		tenant)
	if err != nil {
		return nil, fmt.Errorf("meta: list followers: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("meta: list followers: %w", err)
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("meta: list followers: %w", err)
	}
	return tags, nil
}

func (s *SQLiteAdapter) ReadTenantTag(ctx context.Context, tenant action.TenantID) (string, error) {
	var tag string
	err := s.db.QueryRowContext(ctx,
		`SELECT id_tag FROM tenants WHERE tenant_id = ?`, tenant).Scan(&tag)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: tenant %d", action.ErrNotFound, tenant)
	}
	if err != nil {
		return "", fmt.Errorf("meta: read tenant tag: %w", err)
	}
	return tag, nil
}
