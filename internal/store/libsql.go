package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/webforge/internal/cipher"
	"github.com/rendis/webforge/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/webforge.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Credentials ---

const credentialColumns = `id, name, type, ciphertext, nonce, tag, salt, key_id, version, metadata, lifecycle, created_at, updated_at, expires_at, last_used_at`

func (s *LibSQLStore) CreateCredential(ctx context.Context, c *Credential) error {
	metadata, err := marshalOrDefault(c.Metadata, "{}")
	if err != nil {
		return fmt.Errorf("marshal credential metadata: %w", err)
	}
	if c.Lifecycle == "" {
		c.Lifecycle = schema.LifecycleActive
	}
	c.CreatedAt = timeOrNow(c.CreatedAt)
	c.UpdatedAt = timeOrNow(c.UpdatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO credentials (`+credentialColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, string(c.Type),
		c.Secret.Ciphertext, c.Secret.Nonce, c.Secret.Tag, c.Secret.Salt, c.Secret.KeyID, c.Secret.Version,
		string(metadata), string(c.Lifecycle), c.CreatedAt, c.UpdatedAt, nullTime(c.ExpiresAt), nullTime(c.LastUsedAt),
	)
	return storeErr("credential", c.Name, err)
}

func (s *LibSQLStore) GetCredential(ctx context.Context, id string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id)
	c, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("credential", id)
	}
	return c, storeErr("credential", id, err)
}

func (s *LibSQLStore) GetCredentialByName(ctx context.Context, name string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE name = ?`, name)
	c, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("credential", name)
	}
	return c, storeErr("credential", name, err)
}

func (s *LibSQLStore) UpdateCredential(ctx context.Context, id string, update CredentialUpdate) error {
	var sets []string
	var args []any

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Metadata != nil {
		raw, err := json.Marshal(update.Metadata)
		if err != nil {
			return fmt.Errorf("marshal credential metadata: %w", err)
		}
		sets = append(sets, "metadata = ?")
		args = append(args, string(raw))
	}
	if update.ClearExpiry {
		sets = append(sets, "expires_at = NULL")
	} else if update.ExpiresAt != nil {
		sets = append(sets, "expires_at = ?")
		args = append(args, *update.ExpiresAt)
	}
	if b := update.Secret; b != nil {
		sets = append(sets, "ciphertext = ?", "nonce = ?", "tag = ?", "salt = ?", "key_id = ?", "version = ?")
		args = append(args, b.Ciphertext, b.Nonce, b.Tag, b.Salt, b.KeyID, b.Version)
	}
	if update.Lifecycle != nil {
		sets = append(sets, "lifecycle = ?")
		args = append(args, string(*update.Lifecycle))
	}
	if update.LastUsedAt != nil {
		sets = append(sets, "last_used_at = ?")
		args = append(args, *update.LastUsedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf("UPDATE credentials SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storeErr("credential", id, err)
	}
	return checkRowsAffected(res, "credential", id)
}

func (s *LibSQLStore) ListCredentials(ctx context.Context, filter CredentialFilter) ([]*Credential, error) {
	var where []string
	var args []any

	if filter.Type != nil {
		where = append(where, "type = ?")
		args = append(args, string(*filter.Type))
	}
	if filter.Lifecycle != nil {
		where = append(where, "lifecycle = ?")
		args = append(args, string(*filter.Lifecycle))
	}
	if filter.NotExpiredAt != nil {
		where = append(where, "(expires_at IS NULL OR expires_at > ?)")
		args = append(args, *filter.NotExpiredAt)
	}
	if filter.ExpiredAt != nil {
		where = append(where, "expires_at IS NOT NULL AND expires_at <= ?")
		args = append(args, *filter.ExpiredAt)
	}
	if filter.KeyIDNot != "" {
		where = append(where, "key_id != ?")
		args = append(args, filter.KeyIDNot)
	}

	query := `SELECT ` + credentialColumns + ` FROM credentials`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("credentials", "", err)
	}
	defer rows.Close()

	var out []*Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteCredential(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return storeErr("credential", id, err)
	}
	return checkRowsAffected(res, "credential", id)
}

func scanCredential(sc scanner) (*Credential, error) {
	c := &Credential{}
	var (
		typ, lifecycle, metadata string
		expiresAt, lastUsedAt    sql.NullTime
	)
	var b cipher.Bundle
	if err := sc.Scan(&c.ID, &c.Name, &typ, &b.Ciphertext, &b.Nonce, &b.Tag, &b.Salt, &b.KeyID, &b.Version,
		&metadata, &lifecycle, &c.CreatedAt, &c.UpdatedAt, &expiresAt, &lastUsedAt); err != nil {
		return nil, err
	}
	c.Type = schema.CredentialType(typ)
	c.Lifecycle = schema.Lifecycle(lifecycle)
	c.Secret = b
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &c.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal credential metadata: %w", err)
		}
	}
	c.ExpiresAt = timePtr(expiresAt)
	c.LastUsedAt = timePtr(lastUsedAt)
	return c, nil
}

// --- Repositories ---

const repositoryColumns = `id, name, url, protocol, default_branch, credential_id, verification, verification_message, verified_at, experimental, lifecycle, created_at, updated_at`

func (s *LibSQLStore) CreateRepository(ctx context.Context, r *Repository) error {
	if r.Verification == "" {
		r.Verification = schema.VerificationPending
	}
	if r.Lifecycle == "" {
		r.Lifecycle = schema.LifecycleActive
	}
	r.CreatedAt = timeOrNow(r.CreatedAt)
	r.UpdatedAt = timeOrNow(r.UpdatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO repositories (`+repositoryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.URL, string(r.Protocol), r.DefaultBranch, nullStr(r.CredentialID),
		string(r.Verification), nullStr(r.VerificationMessage), nullTime(r.VerifiedAt),
		r.Experimental, string(r.Lifecycle), r.CreatedAt, r.UpdatedAt,
	)
	return storeErr("repository", r.Name, err)
}

func (s *LibSQLStore) GetRepository(ctx context.Context, id string) (*Repository, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE id = ?`, id)
	r, err := scanRepository(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("repository", id)
	}
	return r, storeErr("repository", id, err)
}

func (s *LibSQLStore) UpdateRepository(ctx context.Context, id string, update RepositoryUpdate) error {
	var sets []string
	var args []any

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.URL != nil {
		sets = append(sets, "url = ?")
		args = append(args, *update.URL)
	}
	if update.Protocol != nil {
		sets = append(sets, "protocol = ?")
		args = append(args, string(*update.Protocol))
	}
	if update.DefaultBranch != nil {
		sets = append(sets, "default_branch = ?")
		args = append(args, *update.DefaultBranch)
	}
	if update.CredentialID != nil {
		sets = append(sets, "credential_id = ?")
		args = append(args, nullStr(*update.CredentialID))
	}
	if update.Verification != nil {
		sets = append(sets, "verification = ?")
		args = append(args, string(*update.Verification))
	}
	if update.VerificationMessage != nil {
		sets = append(sets, "verification_message = ?")
		args = append(args, nullStr(*update.VerificationMessage))
	}
	if update.VerifiedAt != nil {
		sets = append(sets, "verified_at = ?")
		args = append(args, *update.VerifiedAt)
	}
	if update.Experimental != nil {
		sets = append(sets, "experimental = ?")
		args = append(args, *update.Experimental)
	}
	if update.Lifecycle != nil {
		sets = append(sets, "lifecycle = ?")
		args = append(args, string(*update.Lifecycle))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf("UPDATE repositories SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storeErr("repository", id, err)
	}
	return checkRowsAffected(res, "repository", id)
}

func (s *LibSQLStore) ListRepositories(ctx context.Context, filter RepositoryFilter) ([]*Repository, error) {
	var where []string
	var args []any

	if filter.Lifecycle != nil {
		where = append(where, "lifecycle = ?")
		args = append(args, string(*filter.Lifecycle))
	}
	if filter.CredentialID != "" {
		where = append(where, "credential_id = ?")
		args = append(args, filter.CredentialID)
	}

	query := `SELECT ` + repositoryColumns + ` FROM repositories`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("repositories", "", err)
	}
	defer rows.Close()

	var out []*Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRepository(sc scanner) (*Repository, error) {
	r := &Repository{}
	var (
		protocol, verification, lifecycle string
		credentialID, message             sql.NullString
		verifiedAt                        sql.NullTime
	)
	if err := sc.Scan(&r.ID, &r.Name, &r.URL, &protocol, &r.DefaultBranch, &credentialID,
		&verification, &message, &verifiedAt, &r.Experimental, &lifecycle, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Protocol = schema.Protocol(protocol)
	r.Verification = schema.VerificationStatus(verification)
	r.Lifecycle = schema.Lifecycle(lifecycle)
	r.CredentialID = credentialID.String
	r.VerificationMessage = message.String
	r.VerifiedAt = timePtr(verifiedAt)
	return r, nil
}

// --- Helpers ---

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func storeNotFound(resource, id string) *schema.ForgeError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

// storeErr wraps driver errors as STORE_ERROR, mapping unique violations to CONFLICT.
func storeErr(resource, id string, err error) error {
	if err == nil {
		return nil
	}
	var fe *schema.ForgeError
	if errors.As(err, &fe) || err == sql.ErrNoRows {
		return err
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return schema.NewErrorf(schema.ErrCodeConflict, "%s %q already exists", resource, id).WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s %q: %s", resource, id, err.Error()).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(resource, id, err)
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalOrDefault(v any, def string) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return []byte(def), nil
	}
	return raw, nil
}
