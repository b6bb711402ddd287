package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/huddle/pkg/model"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// dollarDB rewrites ? placeholders to $n for PostgreSQL.
type dollarDB struct {
	DB
}

func (d dollarDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.DB.ExecContext(ctx, Rebind(query), args...)
}

func (d dollarDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.DB.QueryContext(ctx, Rebind(query), args...)
}

func (d dollarDB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.DB.QueryRowContext(ctx, Rebind(query), args...)
}

// Rebind converts ? placeholders to PostgreSQL $1..$n. Question marks inside
// single-quoted literals are left alone.
func Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

type baseProvider struct {
	DB
	now func() time.Time
}

type nonTxProvider struct {
	baseProvider
}

type txProvider struct {
	baseProvider
	tx *sql.Tx
}

func (c *txProvider) Rollback() error {
	return c.tx.Rollback()
}

func (c *txProvider) Commit() error {
	return c.tx.Commit()
}

// ProviderFactory provides database access for all huddle entities.
type ProviderFactory struct {
	DB     *sql.DB
	Driver string
}

func (sf *ProviderFactory) wrap(db DB) DB {
	if sf.Driver == DriverPostgres {
		return dollarDB{DB: db}
	}
	return db
}

func (sf *ProviderFactory) NonTx() DataStore {
	return &nonTxProvider{
		baseProvider: baseProvider{
			DB:  sf.wrap(sf.DB),
			now: time.Now,
		},
	}
}

func (sf *ProviderFactory) Tx(ctx context.Context) (DataStoreTx, error) {
	tx, err := sf.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("datastore: begin tx: %w", err)
	}

	return &txProvider{
		baseProvider: baseProvider{
			DB:  sf.wrap(tx),
			now: time.Now,
		},
		tx: tx,
	}, nil
}

// NewProviderFactory opens (or creates) a SQLite database and runs migrations.
func NewProviderFactory(dbPath string) (*ProviderFactory, error) {
	return Open(DriverSQLite, dbPath)
}

// Open connects to the given driver ("sqlite" or "postgres") and runs
// migrations.
func Open(driver, dsn string) (*ProviderFactory, error) {
	ctx := context.Background()

	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("datastore: open DB: %w", err)
		}
		// Enable WAL mode for better concurrent read performance
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("datastore: set WAL: %w", err)
		}
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("datastore: enable FK: %w", err)
		}
		// Set busy timeout to avoid "database is locked" under concurrency
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("datastore: set busy_timeout: %w", err)
		}
		// Pragmas are per connection.
		db.SetMaxOpenConns(1)
	case DriverPostgres:
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("datastore: open DB: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("datastore: ping: %w", err)
		}
	default:
		return nil, fmt.Errorf("datastore: unsupported driver %q", driver)
	}

	s := &ProviderFactory{DB: db, Driver: driver}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *ProviderFactory) Close() error {
	return s.DB.Close()
}

func (s *ProviderFactory) schema() string {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.Driver == DriverPostgres {
		id = "BIGSERIAL PRIMARY KEY"
	}
	return strings.ReplaceAll(`
	CREATE TABLE IF NOT EXISTS users (
		id         {{id}},
		username   TEXT   NOT NULL UNIQUE,
		bio        TEXT   NOT NULL DEFAULT 'Newbie',
		status     TEXT   NOT NULL DEFAULT 'online',
		color      TEXT   NOT NULL DEFAULT '#7289da',
		avatar_url TEXT   NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workspaces (
		id         {{id}},
		name       TEXT   NOT NULL,
		icon_url   TEXT   NOT NULL DEFAULT '',
		owner_id   BIGINT NOT NULL REFERENCES users(id),
		created_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS roles (
		id           {{id}},
		workspace_id BIGINT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
		name         TEXT   NOT NULL,
		color        TEXT   NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS channels (
		id           {{id}},
		workspace_id BIGINT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
		name         TEXT   NOT NULL,
		type         TEXT   NOT NULL DEFAULT 'text' CHECK(type IN ('text', 'voice')),
		created_at   BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memberships (
		workspace_id BIGINT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
		user_id      BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		role_id      BIGINT REFERENCES roles(id) ON DELETE SET NULL,
		PRIMARY KEY (workspace_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS bans (
		workspace_id BIGINT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
		user_id      BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		created_at   BIGINT NOT NULL,
		PRIMARY KEY (workspace_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id         {{id}},
		channel_id BIGINT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
		user_id    BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		content    TEXT   NOT NULL,
		created_at BIGINT NOT NULL
	)`, "{{id}}", id)
}

func (s *ProviderFactory) migrate(ctx context.Context) error {
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version      int
		statements   []string
		ignoreErrors bool
	}{
		{
			version:    1,
			statements: strings.Split(s.schema(), ";"),
		},
		{
			version: 2,
			statements: []string{
				"CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages (channel_id, id)",
				"CREATE INDEX IF NOT EXISTS idx_memberships_user ON memberships (user_id)",
				"CREATE INDEX IF NOT EXISTS idx_roles_workspace ON roles (workspace_id, name)",
			},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if err := s.execMigration(ctx, stmt, m.ignoreErrors); err != nil {
				return err
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *ProviderFactory) ensureSchemaMigrations(ctx context.Context) error {
	db := s.wrap(s.DB)
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *ProviderFactory) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.wrap(s.DB).QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (s *ProviderFactory) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.wrap(s.DB).ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func (s *ProviderFactory) execMigration(ctx context.Context, stmt string, ignoreErrors bool) error {
	if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
		if ignoreErrors {
			return nil
		}
		return fmt.Errorf("datastore: migrate: %w", err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func (s *baseProvider) stamp() int64 {
	return toMillis(s.now())
}

// ---- Users ----

const userColumns = "id, username, bio, status, color, avatar_url, created_at"

func scanUser(row interface{ Scan(...any) error }) (*model.User, error) {
	u := &model.User{}
	var createdAt int64
	if err := row.Scan(&u.ID, &u.Username, &u.Bio, &u.Status, &u.Color, &u.AvatarURL, &createdAt); err != nil {
		return nil, err
	}
	u.CreatedAt = fromMillis(createdAt)
	return u, nil
}

// CreateUserIfMissing inserts a user with default profile fields. A username
// collision is not an error.
func (s *baseProvider) CreateUserIfMissing(ctx context.Context, username string) (bool, error) {
	if err := model.ValidateUsername(username); err != nil {
		return false, fmt.Errorf("datastore: create user: %w", err)
	}
	u := model.NewUser(username)
	res, err := s.ExecContext(ctx,
		`INSERT INTO users (username, bio, status, color, avatar_url, created_at)
		VALUES (?, ?, ?, ?, '', ?)
		ON CONFLICT (username) DO NOTHING`,
		u.Username, u.Bio, u.Status, u.Color, s.stamp())
	if err != nil {
		return false, fmt.Errorf("datastore: create user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("datastore: create user: %w", err)
	}
	return n > 0, nil
}

// GetUserByUsername retrieves a user by username.
func (s *baseProvider) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	u, err := scanUser(s.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE username = ?", username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	return u, nil
}

// GetUserByID retrieves a user by ID.
func (s *baseProvider) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	u, err := scanUser(s.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	return u, nil
}

func (s *baseProvider) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("datastore: list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *baseProvider) UpdateUserProfile(ctx context.Context, userID int64, upd model.ProfileUpdate) error {
	if err := upd.Validate(); err != nil {
		return fmt.Errorf("datastore: update profile: %w", err)
	}
	_, err := s.ExecContext(ctx,
		"UPDATE users SET bio = ?, color = CASE WHEN ? = '' THEN color ELSE ? END, avatar_url = ? WHERE id = ?",
		upd.Bio, upd.Color, upd.Color, upd.AvatarURL, userID)
	if err != nil {
		return fmt.Errorf("datastore: update profile: %w", err)
	}
	return nil
}

// ---- Workspaces ----

const workspaceColumns = "w.id, w.name, w.icon_url, w.owner_id, w.created_at"

func scanWorkspace(row interface{ Scan(...any) error }) (*model.Workspace, error) {
	w := &model.Workspace{}
	var createdAt int64
	if err := row.Scan(&w.ID, &w.Name, &w.IconURL, &w.OwnerID, &createdAt); err != nil {
		return nil, err
	}
	w.CreatedAt = fromMillis(createdAt)
	return w, nil
}

func (s *baseProvider) queryWorkspaces(ctx context.Context, query string, args ...any) ([]model.Workspace, error) {
	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("datastore: list workspaces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan workspace: %w", err)
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func (s *baseProvider) GetWorkspace(ctx context.Context, id int64) (*model.Workspace, error) {
	w, err := scanWorkspace(s.QueryRowContext(ctx, "SELECT "+workspaceColumns+" FROM workspaces w WHERE w.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get workspace: %w", err)
	}
	return w, nil
}

func (s *baseProvider) ListWorkspaces(ctx context.Context) ([]model.Workspace, error) {
	return s.queryWorkspaces(ctx, "SELECT "+workspaceColumns+" FROM workspaces w ORDER BY w.id")
}

func (s *baseProvider) ListWorkspacesForUser(ctx context.Context, userID int64) ([]model.Workspace, error) {
	return s.queryWorkspaces(ctx,
		`SELECT `+workspaceColumns+`
		FROM workspaces w
		JOIN memberships m ON m.workspace_id = w.id
		WHERE m.user_id = ?
		ORDER BY w.id`, userID)
}

// CreateWorkspace inserts the workspace row only. Use CreateWorkspaceWithDefaults
// to also create roles, the owner membership and the default channel.
func (s *baseProvider) CreateWorkspace(ctx context.Context, ws *model.Workspace) error {
	if err := ws.Validate(); err != nil {
		return fmt.Errorf("datastore: create workspace: %w", err)
	}
	now := s.stamp()
	err := s.QueryRowContext(ctx,
		"INSERT INTO workspaces (name, icon_url, owner_id, created_at) VALUES (?, ?, ?, ?) RETURNING id",
		ws.Name, ws.IconURL, ws.OwnerID, now).Scan(&ws.ID)
	if err != nil {
		return fmt.Errorf("datastore: create workspace: %w", err)
	}
	ws.CreatedAt = fromMillis(now)
	return nil
}

func (s *baseProvider) UpdateWorkspace(ctx context.Context, id int64, name, iconURL string) error {
	candidate := model.Workspace{Name: name}
	if err := candidate.Validate(); err != nil {
		return fmt.Errorf("datastore: update workspace: %w", err)
	}
	if _, err := s.ExecContext(ctx, "UPDATE workspaces SET name = ?, icon_url = ? WHERE id = ?", name, iconURL, id); err != nil {
		return fmt.Errorf("datastore: update workspace: %w", err)
	}
	return nil
}

func (s *baseProvider) DeleteWorkspace(ctx context.Context, id int64) error {
	if _, err := s.ExecContext(ctx, "DELETE FROM workspaces WHERE id = ?", id); err != nil {
		return fmt.Errorf("datastore: delete workspace: %w", err)
	}
	return nil
}

// ---- Roles ----

func (s *baseProvider) ListRoles(ctx context.Context, workspaceID int64) ([]model.Role, error) {
	rows, err := s.QueryContext(ctx,
		"SELECT id, workspace_id, name, color FROM roles WHERE workspace_id = ? ORDER BY id", workspaceID)
	if err != nil {
		return nil, fmt.Errorf("datastore: list roles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var roles []model.Role
	for rows.Next() {
		var r model.Role
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &r.Name, &r.Color); err != nil {
			return nil, fmt.Errorf("datastore: scan role: %w", err)
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s *baseProvider) CreateRole(ctx context.Context, role *model.Role) error {
	if err := role.Validate(); err != nil {
		return fmt.Errorf("datastore: create role: %w", err)
	}
	err := s.QueryRowContext(ctx,
		"INSERT INTO roles (workspace_id, name, color) VALUES (?, ?, ?) RETURNING id",
		role.WorkspaceID, role.Name, role.Color).Scan(&role.ID)
	if err != nil {
		return fmt.Errorf("datastore: create role: %w", err)
	}
	return nil
}

// ---- Memberships ----

func (s *baseProvider) GetMembership(ctx context.Context, workspaceID, userID int64) (*model.Membership, error) {
	m := &model.Membership{}
	var roleID sql.NullInt64
	err := s.QueryRowContext(ctx,
		"SELECT workspace_id, user_id, role_id FROM memberships WHERE workspace_id = ? AND user_id = ?",
		workspaceID, userID).Scan(&m.WorkspaceID, &m.UserID, &roleID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get membership: %w", err)
	}
	if roleID.Valid {
		m.RoleID = &roleID.Int64
	}
	return m, nil
}

// ListMembers returns members ordered by role id (unassigned last), then
// username.
func (s *baseProvider) ListMembers(ctx context.Context, workspaceID int64) ([]model.Member, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT u.id, u.username, u.avatar_url, u.status, r.id, r.name, r.color
		FROM memberships m
		JOIN users u ON u.id = m.user_id
		LEFT JOIN roles r ON r.id = m.role_id
		WHERE m.workspace_id = ?
		ORDER BY CASE WHEN r.id IS NULL THEN 1 ELSE 0 END, r.id, u.username
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("datastore: list members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var members []model.Member
	for rows.Next() {
		var (
			m         model.Member
			roleID    sql.NullInt64
			roleName  sql.NullString
			roleColor sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.Username, &m.AvatarURL, &m.Status, &roleID, &roleName, &roleColor); err != nil {
			return nil, fmt.Errorf("datastore: scan member: %w", err)
		}
		if roleID.Valid {
			m.RoleID = &roleID.Int64
		}
		if roleName.Valid {
			m.RoleName = &roleName.String
		}
		if roleColor.Valid {
			m.RoleColor = &roleColor.String
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *baseProvider) ListMembershipsWithoutRole(ctx context.Context, workspaceID int64) ([]model.Membership, error) {
	rows, err := s.QueryContext(ctx,
		"SELECT workspace_id, user_id FROM memberships WHERE workspace_id = ? AND role_id IS NULL ORDER BY user_id",
		workspaceID)
	if err != nil {
		return nil, fmt.Errorf("datastore: list unassigned memberships: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Membership
	for rows.Next() {
		var m model.Membership
		if err := rows.Scan(&m.WorkspaceID, &m.UserID); err != nil {
			return nil, fmt.Errorf("datastore: scan membership: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AddMember inserts a membership. An existing row for the same pair is left
// untouched.
func (s *baseProvider) AddMember(ctx context.Context, m model.Membership) error {
	_, err := s.ExecContext(ctx,
		"INSERT INTO memberships (workspace_id, user_id, role_id) VALUES (?, ?, ?) ON CONFLICT (workspace_id, user_id) DO NOTHING",
		m.WorkspaceID, m.UserID, m.RoleID)
	if err != nil {
		return fmt.Errorf("datastore: add member: %w", err)
	}
	return nil
}

func (s *baseProvider) RemoveMember(ctx context.Context, workspaceID, userID int64) (bool, error) {
	res, err := s.ExecContext(ctx, "DELETE FROM memberships WHERE workspace_id = ? AND user_id = ?", workspaceID, userID)
	if err != nil {
		return false, fmt.Errorf("datastore: remove member: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("datastore: remove member: %w", err)
	}
	return n > 0, nil
}

func (s *baseProvider) SetMemberRole(ctx context.Context, workspaceID, userID, roleID int64) error {
	_, err := s.ExecContext(ctx,
		"UPDATE memberships SET role_id = ? WHERE workspace_id = ? AND user_id = ?", roleID, workspaceID, userID)
	if err != nil {
		return fmt.Errorf("datastore: set member role: %w", err)
	}
	return nil
}

// ---- Channels ----

func scanChannel(row interface{ Scan(...any) error }) (*model.Channel, error) {
	ch := &model.Channel{}
	var chType string
	var createdAt int64
	if err := row.Scan(&ch.ID, &ch.WorkspaceID, &ch.Name, &chType, &createdAt); err != nil {
		return nil, err
	}
	ch.Type = model.ChannelType(chType)
	ch.CreatedAt = fromMillis(createdAt)
	return ch, nil
}

func (s *baseProvider) GetChannel(ctx context.Context, id int64) (*model.Channel, error) {
	ch, err := scanChannel(s.QueryRowContext(ctx,
		"SELECT id, workspace_id, name, type, created_at FROM channels WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get channel: %w", err)
	}
	return ch, nil
}

func (s *baseProvider) ListChannels(ctx context.Context, workspaceID int64) ([]model.Channel, error) {
	rows, err := s.QueryContext(ctx,
		"SELECT id, workspace_id, name, type, created_at FROM channels WHERE workspace_id = ? ORDER BY id", workspaceID)
	if err != nil {
		return nil, fmt.Errorf("datastore: list channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var channels []model.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan channel: %w", err)
		}
		channels = append(channels, *ch)
	}
	return channels, rows.Err()
}

func (s *baseProvider) CreateChannel(ctx context.Context, ch *model.Channel) error {
	if err := ch.Validate(); err != nil {
		return fmt.Errorf("datastore: create channel: %w", err)
	}
	now := s.stamp()
	err := s.QueryRowContext(ctx,
		"INSERT INTO channels (workspace_id, name, type, created_at) VALUES (?, ?, ?, ?) RETURNING id",
		ch.WorkspaceID, ch.Name, string(ch.Type), now).Scan(&ch.ID)
	if err != nil {
		return fmt.Errorf("datastore: create channel: %w", err)
	}
	ch.CreatedAt = fromMillis(now)
	return nil
}

func (s *baseProvider) RenameChannel(ctx context.Context, id int64, name string) error {
	if err := model.ValidateChannelName(name); err != nil {
		return fmt.Errorf("datastore: rename channel: %w", err)
	}
	if _, err := s.ExecContext(ctx, "UPDATE channels SET name = ? WHERE id = ?", name, id); err != nil {
		return fmt.Errorf("datastore: rename channel: %w", err)
	}
	return nil
}

func (s *baseProvider) DeleteChannel(ctx context.Context, id int64) error {
	if _, err := s.ExecContext(ctx, "DELETE FROM channels WHERE id = ?", id); err != nil {
		return fmt.Errorf("datastore: delete channel: %w", err)
	}
	return nil
}

// ---- Bans ----

func (s *baseProvider) IsUserBanned(ctx context.Context, workspaceID, userID int64) (bool, error) {
	var count int
	err := s.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM bans WHERE workspace_id = ? AND user_id = ?", workspaceID, userID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("datastore: check ban: %w", err)
	}
	return count > 0, nil
}

func (s *baseProvider) ListBans(ctx context.Context, workspaceID int64) ([]model.Ban, error) {
	rows, err := s.QueryContext(ctx,
		"SELECT workspace_id, user_id, created_at FROM bans WHERE workspace_id = ? ORDER BY user_id", workspaceID)
	if err != nil {
		return nil, fmt.Errorf("datastore: list bans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var bans []model.Ban
	for rows.Next() {
		var b model.Ban
		var createdAt int64
		if err := rows.Scan(&b.WorkspaceID, &b.UserID, &createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan ban: %w", err)
		}
		b.CreatedAt = fromMillis(createdAt)
		bans = append(bans, b)
	}
	return bans, rows.Err()
}

func (s *baseProvider) CreateBan(ctx context.Context, workspaceID, userID int64) error {
	_, err := s.ExecContext(ctx,
		"INSERT INTO bans (workspace_id, user_id, created_at) VALUES (?, ?, ?) ON CONFLICT (workspace_id, user_id) DO NOTHING",
		workspaceID, userID, s.stamp())
	if err != nil {
		return fmt.Errorf("datastore: create ban: %w", err)
	}
	return nil
}

// ---- Messages ----

const messageColumns = "m.id, m.channel_id, m.user_id, m.content, m.created_at, u.username, u.color, u.avatar_url"

func scanMessage(row interface{ Scan(...any) error }) (*model.MessageWithAuthor, error) {
	m := &model.MessageWithAuthor{}
	var createdAt int64
	if err := row.Scan(&m.ID, &m.ChannelID, &m.UserID, &m.Content, &createdAt, &m.Username, &m.Color, &m.AvatarURL); err != nil {
		return nil, err
	}
	m.CreatedAt = fromMillis(createdAt)
	return m, nil
}

func (s *baseProvider) CreateMessage(ctx context.Context, message *model.Message) (*model.MessageWithAuthor, error) {
	if err := message.Validate(); err != nil {
		return nil, fmt.Errorf("datastore: create message: %w", err)
	}
	err := s.QueryRowContext(ctx,
		"INSERT INTO messages (channel_id, user_id, content, created_at) VALUES (?, ?, ?, ?) RETURNING id",
		message.ChannelID, message.UserID, message.Content, s.stamp()).Scan(&message.ID)
	if err != nil {
		return nil, fmt.Errorf("datastore: create message: %w", err)
	}

	out, err := scanMessage(s.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages m JOIN users u ON u.id = m.user_id WHERE m.id = ?", message.ID))
	if err != nil {
		return nil, fmt.Errorf("datastore: fetch message author: %w", err)
	}
	message.CreatedAt = out.CreatedAt
	return out, nil
}

func (s *baseProvider) ListRecentMessages(ctx context.Context, channelID int64, limit int) ([]model.MessageWithAuthor, error) {
	if limit <= 0 {
		limit = model.HistoryLimit
	}
	rows, err := s.QueryContext(ctx, `
		SELECT * FROM (
			SELECT `+messageColumns+`
			FROM messages m
			JOIN users u ON u.id = m.user_id
			WHERE m.channel_id = ?
			ORDER BY m.id DESC
			LIMIT ?
		) recent
		ORDER BY recent.id ASC
	`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("datastore: list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := []model.MessageWithAuthor{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}
