// Package db implements the Store: transactional persistence for Users,
// Servers, the Hub record, the Proxy record, and Cookie/API tokens.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("not found")

// DB wraps a bun.DB connection along with the dialect it was opened with,
// since a handful of operations (raw SQL, upserts) need dialect-specific
// syntax bun's query builder does not abstract away.
type DB struct {
	*bun.DB
	dbType string
}

// OpenDB opens a database connection for the given dialect ("sqlite" or
// "postgres") and DSN, and runs pending migrations.
func OpenDB(dbType, dsn string) (*DB, error) {
	var sqldb *sql.DB
	var dialect bun.Dialect

	switch dbType {
	case "sqlite":
		d, err := openSQLite(dsn)
		if err != nil {
			return nil, err
		}
		sqldb = d
		dialect = sqlitedialect.New()
	case "postgres":
		d, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres connection: %w", err)
		}
		sqldb = d
		dialect = pgdialect.New()
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}

	bunDB := bun.NewDB(sqldb, dialect)

	if err := runMigrations(dbType, dsn); err != nil {
		bunDB.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{DB: bunDB, dbType: dbType}, nil
}

func openSQLite(dsn string) (*sql.DB, error) {
	d, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite connection: %w", err)
	}
	if strings.Contains(dsn, ":memory:") {
		d.SetMaxOpenConns(1)
	} else {
		if _, err := d.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w", err)
		}
	}
	if _, err := d.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if _, err := d.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return d, nil
}

// --- Users ---

// CreateUser inserts a new user row.
func (db *DB) CreateUser(ctx context.Context, u *User) error {
	_, err := db.NewInsert().Model(u).Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUserByName returns the user with the given name, with Server and
// token relations eagerly loaded.
func (db *DB) GetUserByName(ctx context.Context, name string) (*User, error) {
	u := new(User)
	err := db.NewSelect().Model(u).
		Relation("Server").
		Relation("APITokens").
		Relation("CookieTokens").
		Where("u.name = ?", name).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user %q: %w", name, err)
	}
	return u, nil
}

// GetOrCreateUser returns the named user, creating it if it does not exist.
// This matches spec.md's "Authenticator returns a username, Dispatcher
// looks up or creates the corresponding User" flow.
func (db *DB) GetOrCreateUser(ctx context.Context, name string) (*User, error) {
	u, err := db.GetUserByName(ctx, name)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	u = &User{Name: name}
	if err := db.CreateUser(ctx, u); err != nil {
		// Another request may have raced us to create the same user.
		if existing, getErr := db.GetUserByName(ctx, name); getErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return u, nil
}

// UpdateUserState persists the opaque Spawner state blob for userID, called
// after a successful spawn (spec.md §4.6 step 6) and cleared on teardown.
func (db *DB) UpdateUserState(ctx context.Context, userID int64, state RawJSON) error {
	_, err := db.NewUpdate().Model((*User)(nil)).
		Set("state = ?", state).
		Set("updated_at = current_timestamp").
		Where("id = ?", userID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update user state for %d: %w", userID, err)
	}
	return nil
}

// ListUsers returns all known users ordered by name.
func (db *DB) ListUsers(ctx context.Context) ([]*User, error) {
	var users []*User
	err := db.NewSelect().Model(&users).Relation("Server").Order("u.name ASC").Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

// --- Servers ---

// ReplaceUserServer atomically deletes any existing Server row for userID
// and inserts srv in its place, in a single transaction. This is how a
// re-spawn discards a stale Server from a process that died out of band
// (see SPEC_FULL.md's Open Question decision on stale Server rows).
func (db *DB) ReplaceUserServer(ctx context.Context, userID int64, srv *Server) error {
	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*Server)(nil)).Where("user_id = ?", userID).Exec(ctx); err != nil {
			return fmt.Errorf("failed to delete stale server: %w", err)
		}
		srv.UserID = &userID
		if _, err := tx.NewInsert().Model(srv).Exec(ctx); err != nil {
			return fmt.Errorf("failed to insert server: %w", err)
		}
		return nil
	})
}

// DeleteUserServer removes the Server row for userID, if any.
func (db *DB) DeleteUserServer(ctx context.Context, userID int64) error {
	_, err := db.NewDelete().Model((*Server)(nil)).Where("user_id = ?", userID).Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete server: %w", err)
	}
	return nil
}

// GetUserServer returns the Server row for userID, or ErrNotFound.
func (db *DB) GetUserServer(ctx context.Context, userID int64) (*Server, error) {
	s := new(Server)
	err := db.NewSelect().Model(s).Where("user_id = ?", userID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get server for user %d: %w", userID, err)
	}
	return s, nil
}

// --- Hub / Proxy singletons ---

// GetHub returns the single Hub row, creating a default one if absent.
func (db *DB) GetHub(ctx context.Context) (*Hub, error) {
	h := new(Hub)
	err := db.NewSelect().Model(h).Limit(1).Scan(ctx)
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get hub: %w", err)
	}
	h = &Hub{IP: "localhost", Proto: "http", BaseURL: "/"}
	if _, err := db.NewInsert().Model(h).Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to create default hub: %w", err)
	}
	return h, nil
}

// SetHub upserts the Hub singleton row.
func (db *DB) SetHub(ctx context.Context, h *Hub) error {
	existing, err := db.GetHub(ctx)
	if err == nil {
		h.ID = existing.ID
		_, err := db.NewUpdate().Model(h).WherePK().Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to update hub: %w", err)
		}
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	if _, err := db.NewInsert().Model(h).Exec(ctx); err != nil {
		return fmt.Errorf("failed to insert hub: %w", err)
	}
	return nil
}

// GetProxy returns the single Proxy row, with its public_server and
// api_server rows eagerly loaded (spec.md §8 scenario 2).
func (db *DB) GetProxy(ctx context.Context) (*Proxy, error) {
	p := new(Proxy)
	err := db.NewSelect().Model(p).
		Relation("PublicServer").
		Relation("APIServer").
		Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get proxy: %w", err)
	}
	return p, nil
}

// SetProxy upserts the Proxy singleton row together with its public_server
// and api_server rows, in a single transaction: the Proxy row is never left
// referencing a Server that was not itself committed.
func (db *DB) SetProxy(ctx context.Context, p *Proxy) error {
	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing := new(Proxy)
		err := tx.NewSelect().Model(existing).Limit(1).Scan(ctx)
		switch {
		case err == nil:
			p.ID = existing.ID
			p.PublicServer.ID = existing.PublicServerID
			p.APIServer.ID = existing.APIServerID
		case errors.Is(err, sql.ErrNoRows):
			// first-time setup: PublicServer/APIServer are new rows.
		default:
			return fmt.Errorf("failed to check for existing proxy: %w", err)
		}

		if err := upsertServer(ctx, tx, p.PublicServer); err != nil {
			return fmt.Errorf("failed to persist proxy public server: %w", err)
		}
		if err := upsertServer(ctx, tx, p.APIServer); err != nil {
			return fmt.Errorf("failed to persist proxy api server: %w", err)
		}
		p.PublicServerID = p.PublicServer.ID
		p.APIServerID = p.APIServer.ID

		if p.ID != 0 {
			if _, err := tx.NewUpdate().Model(p).WherePK().Exec(ctx); err != nil {
				return fmt.Errorf("failed to update proxy: %w", err)
			}
			return nil
		}
		if _, err := tx.NewInsert().Model(p).Exec(ctx); err != nil {
			return fmt.Errorf("failed to insert proxy: %w", err)
		}
		return nil
	})
}

// upsertServer inserts srv if it is new (ID == 0), or updates the existing
// row in place otherwise.
func upsertServer(ctx context.Context, tx bun.Tx, srv *Server) error {
	if srv.ID == 0 {
		_, err := tx.NewInsert().Model(srv).Exec(ctx)
		return err
	}
	_, err := tx.NewUpdate().Model(srv).WherePK().Exec(ctx)
	return err
}

// --- Tokens ---

// MintCookieToken creates and persists a new cookie token for userID.
func (db *DB) MintCookieToken(ctx context.Context, userID int64, token string) (*CookieToken, error) {
	ct := &CookieToken{UserID: userID, Token: token}
	if _, err := db.NewInsert().Model(ct).Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to mint cookie token: %w", err)
	}
	return ct, nil
}

// MintAPIToken creates and persists a new API token for userID.
func (db *DB) MintAPIToken(ctx context.Context, userID int64, token, note string) (*APIToken, error) {
	at := &APIToken{UserID: userID, Token: token, Note: note}
	if _, err := db.NewInsert().Model(at).Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to mint API token: %w", err)
	}
	return at, nil
}

// UserByCookieToken resolves a cookie token to its owning user.
// Returns ErrNotFound if the token does not exist.
func (db *DB) UserByCookieToken(ctx context.Context, token string) (*User, error) {
	ct := new(CookieToken)
	err := db.NewSelect().Model(ct).Where("token = ?", token).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve cookie token: %w", err)
	}
	return db.getUserByID(ctx, ct.UserID)
}

// UserByAPIToken resolves an API token to its owning user.
// Returns ErrNotFound if the token does not exist.
func (db *DB) UserByAPIToken(ctx context.Context, token string) (*User, error) {
	at := new(APIToken)
	err := db.NewSelect().Model(at).Where("token = ?", token).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve API token: %w", err)
	}
	return db.getUserByID(ctx, at.UserID)
}

// RevokeCookieToken deletes a cookie token, used when a user logs out.
func (db *DB) RevokeCookieToken(ctx context.Context, token string) error {
	_, err := db.NewDelete().Model((*CookieToken)(nil)).Where("token = ?", token).Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to revoke cookie token: %w", err)
	}
	return nil
}

// DeleteUserAPITokens removes every API token owned by userID, used when a
// spawn fails partway through or a server is torn down: the token minted for
// the (now-gone) single-user process must not remain usable.
func (db *DB) DeleteUserAPITokens(ctx context.Context, userID int64) error {
	_, err := db.NewDelete().Model((*APIToken)(nil)).Where("user_id = ?", userID).Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete api tokens for user %d: %w", userID, err)
	}
	return nil
}

// getUserByID loads a user by primary key with Server eagerly joined: the
// Session Manager resolves every request through here, and the Spawn
// Controller's EnsureRunning needs User.Server populated to tell an
// already-running user from one that has never spawned.
func (db *DB) getUserByID(ctx context.Context, id int64) (*User, error) {
	u := new(User)
	err := db.NewSelect().Model(u).Relation("Server").Where("u.id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user %d: %w", id, err)
	}
	return u, nil
}

// --- Audit log ---

// LogAudit appends an audit trail entry. Failures are non-fatal to the
// caller's operation but are returned so the caller can choose to log them.
func (db *DB) LogAudit(ctx context.Context, username, action, detail string) error {
	entry := &AuditLog{Username: username, Action: action, Detail: detail}
	if _, err := db.NewInsert().Model(entry).Exec(ctx); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// AuditLogBefore returns audit log entries with CreatedAt strictly before
// cutoff, oldest first, used by the audit archive to select a batch to
// export and then delete.
func (db *DB) AuditLogBefore(ctx context.Context, cutoff time.Time, limit int) ([]*AuditLog, error) {
	var entries []*AuditLog
	err := db.NewSelect().Model(&entries).
		Where("created_at < ?", cutoff).
		Order("created_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	return entries, nil
}

// DeleteAuditLogIDs removes audit log rows by ID, used after a successful
// archive export.
func (db *DB) DeleteAuditLogIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.NewDelete().Model((*AuditLog)(nil)).Where("id IN (?)", bun.In(ids)).Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete archived audit log rows: %w", err)
	}
	return nil
}
