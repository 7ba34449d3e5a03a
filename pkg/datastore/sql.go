package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/NicolasHaas/gorelay/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05"

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type baseProvider struct {
	DB
}

func (p *baseProvider) ZeroTime() time.Time {
	return time.Time{}
}

func (p *baseProvider) Close() error {
	return nil
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

// ProviderFactory hands out SQLite-backed DataStores.
type ProviderFactory struct {
	DB *sql.DB
}

func (sf ProviderFactory) NonTx() DataStore {
	return &nonTxProvider{
		baseProvider: baseProvider{
			DB: sf.DB,
		},
	}
}

func (sf ProviderFactory) Tx(ctx context.Context) (DataStoreTx, error) {
	tx, err := sf.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	return &txProvider{
		baseProvider: baseProvider{
			DB: tx,
		},
		tx: tx,
	}, nil
}

// NewProviderFactory opens (or creates) a SQLite database and runs migrations.
func NewProviderFactory(dbPath string) (*ProviderFactory, error) {
	// Per-connection pragmas go in the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	dsn := dbPath + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	DB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := DB.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: set WAL: %w", err)
	}

	s := &ProviderFactory{DB: DB}
	if err := s.migrate(); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *ProviderFactory) Close() error {
	return s.DB.Close()
}

func (s *ProviderFactory) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		username      TEXT    NOT NULL UNIQUE CHECK(length(username) > 0 AND length(username) <= 32),
		first_name    TEXT    NOT NULL DEFAULT '',
		last_name     TEXT    NOT NULL DEFAULT '',
		email         TEXT    UNIQUE COLLATE NOCASE,
		password_hash TEXT    NOT NULL DEFAULT '',
		role          INTEGER NOT NULL DEFAULT 3 CHECK(role >= 1 AND role <= 3),
		status        TEXT    NOT NULL DEFAULT 'offline',
		last_seen     TEXT,
		created_at    TEXT    NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS bans (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id    INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		reason     TEXT    NOT NULL DEFAULT '',
		banned_by  INTEGER NOT NULL DEFAULT 0,
		expires_at TEXT,
		created_at TEXT    NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		sender_id  INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		body       TEXT    NOT NULL DEFAULT '',
		created_at TEXT    NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS private_messages (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		sender_id   INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		receiver_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		body        TEXT    NOT NULL DEFAULT '',
		is_read     INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT    NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS contacts (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id        INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		contact_user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		contact_name    TEXT    NOT NULL DEFAULT '',
		created_at      TEXT    NOT NULL DEFAULT (datetime('now')),
		UNIQUE(owner_id, contact_user_id)
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id    INTEGER NOT NULL DEFAULT 0,
		action     TEXT    NOT NULL DEFAULT '',
		created_at TEXT    NOT NULL DEFAULT (datetime('now'))
	);
	`
	ctx := context.Background()
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
			statements: []string{schema},
		},
		{
			version: 2,
			statements: []string{
				"CREATE INDEX IF NOT EXISTS idx_private_messages_pair ON private_messages(sender_id, receiver_id)",
				"CREATE INDEX IF NOT EXISTS idx_private_messages_receiver ON private_messages(receiver_id, is_read)",
				"CREATE INDEX IF NOT EXISTS idx_bans_user ON bans(user_id)",
			},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
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
	if _, err := s.DB.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.DB.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *ProviderFactory) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.DB.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (s *ProviderFactory) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.DB.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
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

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

func nowDB() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// translate maps SQLite constraint failures to the package sentinels.
func translate(err error) error {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case sqlite3.SQLITE_CONSTRAINT:
		// Extended codes disabled: fall back to the message text.
		msg := se.Error()
		if strings.Contains(msg, "UNIQUE") {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		if strings.Contains(msg, "FOREIGN KEY") {
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
	}
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type scanner interface {
	Scan(dest ...any) error
}

const userColumns = `u.id, u.username, u.first_name, u.last_name, COALESCE(u.email, ''), u.role, u.status, u.last_seen, u.created_at,
	EXISTS(SELECT 1 FROM bans b WHERE b.user_id = u.id AND (b.expires_at IS NULL OR b.expires_at > datetime('now')))`

// scanUser scans userColumns followed by any extra columns.
func scanUser(sc scanner, extra ...any) (*model.User, error) {
	u := &model.User{}
	var (
		roleInt   int
		status    string
		lastSeen  sql.NullString
		createdAt string
	)
	dest := append([]any{&u.ID, &u.Username, &u.FirstName, &u.LastName, &u.Email, &roleInt, &status, &lastSeen, &createdAt, &u.Banned}, extra...)
	if err := sc.Scan(dest...); err != nil {
		return nil, err
	}
	u.Role = model.Role(roleInt)
	u.Status = model.Status(status)

	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = parsed
	if lastSeen.Valid {
		if u.LastSeen, err = parseDBTime(lastSeen.String); err != nil {
			return nil, err
		}
	}
	return u, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// ---- Users ----

// CreateUser creates a new user. It validates the username format and role
// before inserting.
func (s *baseProvider) CreateUser(u *model.User, passwordHash string) error {
	if err := model.ValidateUsername(u.Username); err != nil {
		return fmt.Errorf("datastore: create user: %w", err)
	}
	if !u.Role.Valid() {
		return fmt.Errorf("datastore: create user: %w", model.ErrInvalidRole)
	}
	if u.Status == "" {
		u.Status = model.StatusOffline
	}
	created := nowDB()
	res, err := s.ExecContext(context.Background(),
		`INSERT INTO users (username, first_name, last_name, email, password_hash, role, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.Username, u.FirstName, u.LastName, nullIfEmpty(u.Email), passwordHash, int(u.Role), string(u.Status), formatDBTime(created))
	if err != nil {
		return fmt.Errorf("datastore: create user: %w", translate(err))
	}
	u.ID, _ = res.LastInsertId()
	u.CreatedAt = created
	return nil
}

// GetUserByID retrieves a user by ID.
func (s *baseProvider) GetUserByID(id int64) (*model.User, error) {
	u, err := scanUser(s.QueryRowContext(context.Background(),
		"SELECT "+userColumns+" FROM users u WHERE u.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	return u, nil
}

// GetUserByUsername retrieves a user by username.
func (s *baseProvider) GetUserByUsername(username string) (*model.User, error) {
	u, err := scanUser(s.QueryRowContext(context.Background(),
		"SELECT "+userColumns+" FROM users u WHERE u.username = ?", username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	return u, nil
}

func (s *baseProvider) GetCredentials(login string) (*model.User, string, error) {
	var hash string
	u, err := scanUser(s.QueryRowContext(context.Background(),
		"SELECT "+userColumns+", u.password_hash FROM users u WHERE u.username = ? OR u.email = ? LIMIT 1",
		login, login), &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("datastore: get credentials: %w", err)
	}
	return u, hash, nil
}

// ListUsers returns all users.
func (s *baseProvider) ListUsers() ([]model.User, error) {
	rows, err := s.QueryContext(context.Background(),
		"SELECT "+userColumns+" FROM users u ORDER BY u.username")
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

func (s *baseProvider) SearchUsers(query string, excludeID int64, limit int) ([]model.User, error) {
	pattern := "%" + escapeLike(query) + "%"
	rows, err := s.QueryContext(context.Background(),
		"SELECT "+userColumns+` FROM users u
		 WHERE u.id <> ?
		 AND (u.username LIKE ? ESCAPE '\' OR u.email LIKE ? ESCAPE '\')
		 AND NOT EXISTS(SELECT 1 FROM bans b WHERE b.user_id = u.id AND (b.expires_at IS NULL OR b.expires_at > datetime('now')))
		 ORDER BY u.username
		 LIMIT ?`,
		excludeID, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("datastore: search users: %w", err)
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

// UpdateUserRole changes a user's role.
func (s *baseProvider) UpdateUserRole(userID int64, role model.Role) error {
	if !role.Valid() {
		return fmt.Errorf("datastore: update role: %w", model.ErrInvalidRole)
	}
	return s.updateUser("update role", "UPDATE users SET role = ? WHERE id = ?", int(role), userID)
}

func (s *baseProvider) UpdateUserPassword(userID int64, passwordHash string) error {
	return s.updateUser("update password", "UPDATE users SET password_hash = ? WHERE id = ?", passwordHash, userID)
}

func (s *baseProvider) UpdateUserStatus(userID int64, status model.Status) error {
	if _, err := model.ParseStatus(string(status)); err != nil {
		return fmt.Errorf("datastore: update status: %w", err)
	}
	if status == model.StatusOffline {
		return s.updateUser("update status",
			"UPDATE users SET status = ?, last_seen = ? WHERE id = ?", string(status), formatDBTime(nowDB()), userID)
	}
	return s.updateUser("update status", "UPDATE users SET status = ? WHERE id = ?", string(status), userID)
}

func (s *baseProvider) ResetStatuses() error {
	_, err := s.ExecContext(context.Background(),
		"UPDATE users SET status = 'offline' WHERE status <> 'offline'")
	if err != nil {
		return fmt.Errorf("datastore: reset statuses: %w", err)
	}
	return nil
}

func (s *baseProvider) updateUser(op, query string, args ...any) error {
	res, err := s.ExecContext(context.Background(), query, args...)
	if err != nil {
		return fmt.Errorf("datastore: %s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("datastore: %s: %w", op, ErrNotFound)
	}
	return nil
}

// ---- Bans ----

// CreateBan adds a ban record.
func (s *baseProvider) CreateBan(ban *model.Ban) error {
	var expStr *string
	if !ban.ExpiresAt.IsZero() {
		es := formatDBTime(ban.ExpiresAt)
		expStr = &es
	}
	created := nowDB()
	res, err := s.ExecContext(context.Background(),
		"INSERT INTO bans (user_id, reason, banned_by, expires_at, created_at) VALUES (?, ?, ?, ?, ?)",
		ban.UserID, ban.Reason, ban.BannedBy, expStr, formatDBTime(created))
	if err != nil {
		return fmt.Errorf("datastore: create ban: %w", translate(err))
	}
	ban.ID, _ = res.LastInsertId()
	ban.CreatedAt = created
	return nil
}

// IsUserBanned checks if a user ID is currently banned.
func (s *baseProvider) IsUserBanned(userID int64) (bool, error) {
	var count int

	err := s.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM bans WHERE user_id = ? AND (expires_at IS NULL OR expires_at > datetime('now'))",
		userID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("datastore: check ban: %w", err)
	}
	return count > 0, nil
}

// ---- Messages ----

func (s *baseProvider) CreateMessage(message *model.Message) error {
	if err := message.Validate(); err != nil {
		return fmt.Errorf("datastore: message failed validation: %w", err)
	}

	created := nowDB()
	res, err := s.ExecContext(
		context.Background(),
		"INSERT INTO messages (sender_id, body, created_at) VALUES (?, ?, ?)",
		message.SenderID, message.Body, formatDBTime(created))
	if err != nil {
		return fmt.Errorf("datastore: create message: %w", translate(err))
	}
	message.ID, _ = res.LastInsertId()
	message.CreatedAt = created

	return nil
}

func (s *baseProvider) RecentMessages(limit int) ([]model.Message, error) {
	rows, err := s.QueryContext(context.Background(), `
		SELECT m.id, m.sender_id, COALESCE(u.username, ''), m.body, m.created_at
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		ORDER BY m.id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("datastore: recent messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []model.Message
	for rows.Next() {
		var m model.Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.SenderID, &m.SenderName, &m.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan message: %w", err)
		}
		if m.CreatedAt, err = parseDBTime(createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("datastore: recent messages: %w", err)
	}
	slices.Reverse(messages)
	return messages, nil
}

// ---- Private messages ----

func (s *baseProvider) CreatePrivateMessage(message *model.PrivateMessage) error {
	if err := message.Validate(); err != nil {
		return fmt.Errorf("datastore: private message failed validation: %w", err)
	}

	created := nowDB()
	res, err := s.ExecContext(context.Background(),
		"INSERT INTO private_messages (sender_id, receiver_id, body, created_at) VALUES (?, ?, ?, ?)",
		message.SenderID, message.ReceiverID, message.Body, formatDBTime(created))
	if err != nil {
		return fmt.Errorf("datastore: create private message: %w", translate(err))
	}
	message.ID, _ = res.LastInsertId()
	message.CreatedAt = created
	message.Read = false
	return nil
}

func (s *baseProvider) Conversation(a, b int64, limit int) ([]model.PrivateMessage, error) {
	rows, err := s.QueryContext(context.Background(), `
		SELECT pm.id, pm.sender_id, pm.receiver_id, COALESCE(su.username, ''), COALESCE(ru.username, ''),
		       pm.body, pm.is_read, pm.created_at
		FROM private_messages pm
		LEFT JOIN users su ON su.id = pm.sender_id
		LEFT JOIN users ru ON ru.id = pm.receiver_id
		WHERE (pm.sender_id = ? AND pm.receiver_id = ?) OR (pm.sender_id = ? AND pm.receiver_id = ?)
		ORDER BY pm.id DESC
		LIMIT ?`, a, b, b, a, limit)
	if err != nil {
		return nil, fmt.Errorf("datastore: conversation: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []model.PrivateMessage
	for rows.Next() {
		var m model.PrivateMessage
		var createdAt string
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.SenderName, &m.ReceiverName,
			&m.Body, &m.Read, &createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan private message: %w", err)
		}
		if m.CreatedAt, err = parseDBTime(createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan private message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("datastore: conversation: %w", err)
	}
	slices.Reverse(messages)
	return messages, nil
}

func (s *baseProvider) Conversations(userID int64) ([]model.ConversationSummary, error) {
	rows, err := s.QueryContext(context.Background(), `
		SELECT c.other_id, u.username, u.status, pm.body, pm.created_at,
		       (SELECT COUNT(*) FROM private_messages x
		        WHERE x.sender_id = c.other_id AND x.receiver_id = ? AND x.is_read = 0)
		FROM (
			SELECT CASE WHEN sender_id = ? THEN receiver_id ELSE sender_id END AS other_id,
			       MAX(id) AS last_id
			FROM private_messages
			WHERE sender_id = ? OR receiver_id = ?
			GROUP BY other_id
		) c
		JOIN private_messages pm ON pm.id = c.last_id
		JOIN users u ON u.id = c.other_id
		ORDER BY c.last_id DESC`, userID, userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("datastore: conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ConversationSummary
	for rows.Next() {
		var c model.ConversationSummary
		var status, createdAt string
		if err := rows.Scan(&c.OtherUserID, &c.OtherUsername, &status, &c.LastMessage, &createdAt, &c.UnreadCount); err != nil {
			return nil, fmt.Errorf("datastore: scan conversation: %w", err)
		}
		c.OtherStatus = model.Status(status)
		if c.LastMessageAt, err = parseDBTime(createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *baseProvider) MarkConversationRead(readerID, senderID int64) (int64, error) {
	res, err := s.ExecContext(context.Background(),
		"UPDATE private_messages SET is_read = 1 WHERE sender_id = ? AND receiver_id = ? AND is_read = 0",
		senderID, readerID)
	if err != nil {
		return 0, fmt.Errorf("datastore: mark read: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ---- Contacts ----

func (s *baseProvider) ListContacts(ownerID int64) ([]model.Contact, error) {
	rows, err := s.QueryContext(context.Background(),
		"SELECT "+userColumns+`, c.id, c.owner_id, c.contact_name, c.created_at,
		        (SELECT COUNT(*) FROM private_messages x
		         WHERE x.sender_id = u.id AND x.receiver_id = c.owner_id AND x.is_read = 0)
		 FROM contacts c
		 JOIN users u ON u.id = c.contact_user_id
		 WHERE c.owner_id = ?
		 ORDER BY u.username`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("datastore: list contacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var contacts []model.Contact
	for rows.Next() {
		var c model.Contact
		var createdAt string
		u, err := scanUser(rows, &c.ID, &c.OwnerID, &c.Name, &createdAt, &c.UnreadCount)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan contact: %w", err)
		}
		c.User = *u
		if c.CreatedAt, err = parseDBTime(createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan contact: %w", err)
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

func (s *baseProvider) AddContact(ownerID, contactUserID int64, name string) (*model.Contact, error) {
	if ownerID == contactUserID {
		return nil, fmt.Errorf("datastore: add contact: %w", model.ErrContactSelf)
	}
	user, err := s.GetUserByID(contactUserID)
	if err != nil {
		return nil, fmt.Errorf("datastore: add contact: %w", err)
	}

	created := nowDB()
	res, err := s.ExecContext(context.Background(),
		"INSERT INTO contacts (owner_id, contact_user_id, contact_name, created_at) VALUES (?, ?, ?, ?)",
		ownerID, contactUserID, name, formatDBTime(created))
	if err != nil {
		return nil, fmt.Errorf("datastore: add contact: %w", translate(err))
	}
	id, _ := res.LastInsertId()
	return &model.Contact{
		ID:        id,
		OwnerID:   ownerID,
		Name:      name,
		User:      *user,
		CreatedAt: created,
	}, nil
}

func (s *baseProvider) RemoveContact(ownerID, contactUserID int64) error {
	res, err := s.ExecContext(context.Background(),
		"DELETE FROM contacts WHERE owner_id = ? AND contact_user_id = ?", ownerID, contactUserID)
	if err != nil {
		return fmt.Errorf("datastore: remove contact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("datastore: remove contact: %w", ErrNotFound)
	}
	return nil
}

// ---- Audit log ----

func (s *baseProvider) LogAction(userID int64, action string) error {
	_, err := s.ExecContext(context.Background(),
		"INSERT INTO audit_log (user_id, action, created_at) VALUES (?, ?, ?)",
		userID, action, formatDBTime(nowDB()))
	if err != nil {
		return fmt.Errorf("datastore: log action: %w", err)
	}
	return nil
}

// ListAuditLog returns the newest entries for userID first.
func (s *baseProvider) ListAuditLog(userID int64, limit int) ([]model.AuditEntry, error) {
	rows, err := s.QueryContext(context.Background(),
		"SELECT id, user_id, action, created_at FROM audit_log WHERE user_id = ? ORDER BY id DESC LIMIT ?",
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("datastore: list audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan audit entry: %w", err)
		}
		if e.CreatedAt, err = parseDBTime(createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
