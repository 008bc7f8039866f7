// Package pgstore persists the identity core in PostgreSQL through a pgx pool.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"aim-chat/identity-core/internal/domains/contracts"
	"aim-chat/identity-core/internal/storage"
	"aim-chat/identity-core/pkg/models"
)

const (
	DefaultSchema      = "aim_identity"
	singleDefaultIndex = "uq_identities_single_default"
)

// Store implements storage.Store over PostgreSQL.
//
// A pool passed to New stays owned by the caller; Connect-created pools are
// closed by Close. Schema identifiers are validated and quoted.
type Store struct {
	pool     *pgxpool.Pool
	schema   string
	ownsPool bool
}

type Option func(*Store) error

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func WithSchema(schema string) Option {
	return func(s *Store) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("pgstore: empty schema")
		}
		if !identRe.MatchString(schema) {
			return fmt.Errorf("pgstore: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

func New(pool *pgxpool.Pool, opts ...Option) (*Store, error) {
	st := &Store{pool: pool, schema: DefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("pgstore: nil pool")
	}
	return st, nil
}

// Connect opens a pool for dsn, checks connectivity and applies the schema.
func Connect(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, contracts.StorageError(fmt.Errorf("parse dsn: %w", err))
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, contracts.StorageError(err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, contracts.StorageError(fmt.Errorf("ping postgres: %w", err))
	}
	st, err := New(pool, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	st.ownsPool = true
	if err := st.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) Close() error {
	if s != nil && s.ownsPool && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Store) table(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}

// Migrate creates the schema and tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	identities := s.table("identities")
	ddl := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{s.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + identities + ` (
  did TEXT PRIMARY KEY,
  nickname TEXT NOT NULL,
  bio TEXT NOT NULL DEFAULT '',
  avatar_path TEXT NOT NULL DEFAULT '',
  public_key_sign BYTEA NOT NULL,
  public_key_encrypt BYTEA NOT NULL,
  private_key_encrypted BYTEA NOT NULL,
  did_document JSONB NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  is_default BOOLEAN NOT NULL DEFAULT FALSE,
  is_active BOOLEAN NOT NULL DEFAULT TRUE,
  needs_retry BOOLEAN NOT NULL DEFAULT FALSE
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ` + singleDefaultIndex + ` ON ` + identities + ` (is_default) WHERE is_default`,
		`CREATE TABLE IF NOT EXISTS ` + s.table("sealed_records") + ` (
  id TEXT PRIMARY KEY,
  category TEXT NOT NULL,
  owner_did TEXT NOT NULL DEFAULT '',
  payload BYTEA NOT NULL,
  encrypted BOOLEAN NOT NULL,
  key_id TEXT NOT NULL DEFAULT '',
  needs_retry BOOLEAN NOT NULL DEFAULT FALSE,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS ` + s.table("pin_credential") + ` (
  id SMALLINT PRIMARY KEY CHECK (id = 1),
  payload JSONB NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS ` + s.table("did_documents") + ` (
  did TEXT PRIMARY KEY,
  document JSONB NOT NULL,
  cached_at TIMESTAMPTZ NOT NULL
)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return contracts.StorageError(fmt.Errorf("migrate: %w", err))
		}
	}
	return nil
}

const identityColumns = `did, nickname, bio, avatar_path, public_key_sign, public_key_encrypt,
  private_key_encrypted, did_document, created_at, updated_at, is_default, is_active, needs_retry`

func scanIdentity(row pgx.Row) (models.Identity, error) {
	var (
		out models.Identity
		doc []byte
	)
	err := row.Scan(
		&out.DID, &out.Nickname, &out.Bio, &out.AvatarPath,
		&out.SigningPublicKey, &out.EncryptionPublicKey, &out.EncryptedPrivateKeyBundle,
		&doc, &out.CreatedAt, &out.UpdatedAt, &out.IsDefault, &out.IsActive, &out.NeedsRetry,
	)
	if err != nil {
		return models.Identity{}, err
	}
	if err := json.Unmarshal(doc, &out.Document); err != nil {
		return models.Identity{}, fmt.Errorf("decode did_document: %w", err)
	}
	return out, nil
}

func (s *Store) CreateIdentity(ctx context.Context, identity models.Identity) error {
	const op = "pgstore.CreateIdentity"
	if strings.TrimSpace(identity.DID) == "" {
		return contracts.E(op, contracts.ErrInvalidInput, "missing did")
	}
	doc, err := json.Marshal(identity.Document)
	if err != nil {
		return contracts.E(op, contracts.ErrInvalidInput, "did document not encodable")
	}
	identities := s.table("identities")
	insert := func(isDefault string) error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO `+identities+` (`+identityColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, `+isDefault+`, $11, $12)`,
			identity.DID, identity.Nickname, identity.Bio, identity.AvatarPath,
			identity.SigningPublicKey, identity.EncryptionPublicKey, identity.EncryptedPrivateKeyBundle,
			doc, identity.CreatedAt, identity.UpdatedAt, identity.IsActive, identity.NeedsRetry,
		)
		return err
	}
	err = insert(`NOT EXISTS (SELECT 1 FROM ` + identities + ` WHERE is_default)`)
	if constraintViolated(err, singleDefaultIndex) {
		// A concurrent insert claimed the default first.
		err = insert(`FALSE`)
	}
	if isUniqueViolation(err) {
		return contracts.E(op, contracts.ErrConflict, "identity exists")
	}
	return mapErr(op, err)
}

func (s *Store) GetIdentity(ctx context.Context, did string) (models.Identity, error) {
	const op = "pgstore.GetIdentity"
	row := s.pool.QueryRow(ctx, `SELECT `+identityColumns+` FROM `+s.table("identities")+` WHERE did = $1`, did)
	out, err := scanIdentity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Identity{}, contracts.E(op, contracts.ErrNotFound, "identity")
	}
	if err != nil {
		return models.Identity{}, mapErr(op, err)
	}
	return out, nil
}

func (s *Store) ListIdentities(ctx context.Context) ([]models.Identity, error) {
	const op = "pgstore.ListIdentities"
	rows, err := s.pool.Query(ctx, `SELECT `+identityColumns+` FROM `+s.table("identities")+` ORDER BY created_at ASC, did ASC`)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer rows.Close()
	var out []models.Identity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, mapErr(op, err)
		}
		out = append(out, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(op, err)
	}
	return out, nil
}

func (s *Store) UpdateIdentity(ctx context.Context, identity models.Identity) error {
	const op = "pgstore.UpdateIdentity"
	doc, err := json.Marshal(identity.Document)
	if err != nil {
		return contracts.E(op, contracts.ErrInvalidInput, "did document not encodable")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table("identities")+`
		    SET nickname = $2, bio = $3, avatar_path = $4, did_document = $5,
		        is_default = is_default AND $6, is_active = $7, needs_retry = $8, updated_at = $9
		  WHERE did = $1`,
		identity.DID, identity.Nickname, identity.Bio, identity.AvatarPath, doc,
		identity.IsDefault, identity.IsActive, identity.NeedsRetry, identity.UpdatedAt,
	)
	if err != nil {
		return mapErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return contracts.E(op, contracts.ErrNotFound, "identity")
	}
	return nil
}

func (s *Store) SwapIdentityBundle(ctx context.Context, did string, expected, next []byte) error {
	const op = "pgstore.SwapIdentityBundle"
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table("identities")+`
		    SET private_key_encrypted = $3, needs_retry = FALSE
		  WHERE did = $1 AND private_key_encrypted = $2`,
		did, expected, next,
	)
	if err != nil {
		return mapErr(op, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.missingOrConflict(ctx, op, "identities", "did", did, "identity", "bundle changed")
}

func (s *Store) SetIdentityRetry(ctx context.Context, did string, needsRetry bool) error {
	const op = "pgstore.SetIdentityRetry"
	tag, err := s.pool.Exec(ctx, `UPDATE `+s.table("identities")+` SET needs_retry = $2 WHERE did = $1`, did, needsRetry)
	if err != nil {
		return mapErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return contracts.E(op, contracts.ErrNotFound, "identity")
	}
	return nil
}

func (s *Store) SetDefaultIdentity(ctx context.Context, did string) error {
	const op = "pgstore.SetDefaultIdentity"
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return mapErr(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	identities := s.table("identities")
	var locked string
	err = tx.QueryRow(ctx, `SELECT did FROM `+identities+` WHERE did = $1 FOR UPDATE`, did).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return contracts.E(op, contracts.ErrNotFound, "identity")
	}
	if err != nil {
		return mapErr(op, err)
	}
	if _, err := tx.Exec(ctx, `UPDATE `+identities+` SET is_default = FALSE WHERE is_default AND did <> $1`, did); err != nil {
		return mapErr(op, err)
	}
	if _, err := tx.Exec(ctx, `UPDATE `+identities+` SET is_default = TRUE WHERE did = $1`, did); err != nil {
		return mapErr(op, err)
	}
	return mapErr(op, tx.Commit(ctx))
}

func (s *Store) DeleteIdentity(ctx context.Context, did string) error {
	const op = "pgstore.DeleteIdentity"
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.table("identities")+` WHERE did = $1`, did)
	if err != nil {
		return mapErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return contracts.E(op, contracts.ErrNotFound, "identity")
	}
	return nil
}

const recordColumns = `id, category, owner_did, payload, encrypted, key_id, needs_retry, updated_at`

func scanRecord(row pgx.Row) (storage.SealedRecord, error) {
	var rec storage.SealedRecord
	err := row.Scan(&rec.ID, &rec.Category, &rec.OwnerDID, &rec.Payload, &rec.Encrypted, &rec.KeyID, &rec.NeedsRetry, &rec.UpdatedAt)
	return rec, err
}

func (s *Store) PutRecord(ctx context.Context, rec storage.SealedRecord) error {
	const op = "pgstore.PutRecord"
	if strings.TrimSpace(rec.ID) == "" {
		return contracts.E(op, contracts.ErrInvalidInput, "missing record id")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("sealed_records")+` (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   category = EXCLUDED.category, owner_did = EXCLUDED.owner_did, payload = EXCLUDED.payload,
		   encrypted = EXCLUDED.encrypted, key_id = EXCLUDED.key_id,
		   needs_retry = EXCLUDED.needs_retry, updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.Category, rec.OwnerDID, rec.Payload, rec.Encrypted, rec.KeyID, rec.NeedsRetry, rec.UpdatedAt,
	)
	return mapErr(op, err)
}

func (s *Store) GetRecord(ctx context.Context, id string) (storage.SealedRecord, error) {
	const op = "pgstore.GetRecord"
	rec, err := scanRecord(s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM `+s.table("sealed_records")+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.SealedRecord{}, contracts.E(op, contracts.ErrNotFound, "record")
	}
	if err != nil {
		return storage.SealedRecord{}, mapErr(op, err)
	}
	return rec, nil
}

func (s *Store) ListRecords(ctx context.Context, filter storage.RecordFilter) ([]storage.SealedRecord, error) {
	const op = "pgstore.ListRecords"
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM `+s.table("sealed_records")+`
		  WHERE ($1 = '' OR owner_did = $1) AND ($2 = '' OR category = $2)
		  ORDER BY id ASC`,
		filter.OwnerDID, filter.Category,
	)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer rows.Close()
	var out []storage.SealedRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, mapErr(op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(op, err)
	}
	return out, nil
}

func (s *Store) SwapRecord(ctx context.Context, id string, expected []byte, next storage.SealedRecord) error {
	const op = "pgstore.SwapRecord"
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table("sealed_records")+`
		    SET category = $3, owner_did = $4, payload = $5, encrypted = $6, key_id = $7,
		        needs_retry = $8, updated_at = $9
		  WHERE id = $1 AND payload = $2`,
		id, expected, next.Category, next.OwnerDID, next.Payload, next.Encrypted, next.KeyID, next.NeedsRetry, next.UpdatedAt,
	)
	if err != nil {
		return mapErr(op, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.missingOrConflict(ctx, op, "sealed_records", "id", id, "record", "record changed")
}

func (s *Store) MarkRecordRetry(ctx context.Context, id string, needsRetry bool) error {
	const op = "pgstore.MarkRecordRetry"
	tag, err := s.pool.Exec(ctx, `UPDATE `+s.table("sealed_records")+` SET needs_retry = $2 WHERE id = $1`, id, needsRetry)
	if err != nil {
		return mapErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return contracts.E(op, contracts.ErrNotFound, "record")
	}
	return nil
}

func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM `+s.table("sealed_records")+` WHERE id = $1`, id)
	return mapErr("pgstore.DeleteRecord", err)
}

func (s *Store) LoadPinCredential(ctx context.Context) (storage.PinCredential, error) {
	const op = "pgstore.LoadPinCredential"
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM `+s.table("pin_credential")+` WHERE id = 1`).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.PinCredential{}, contracts.E(op, contracts.ErrNotFound, "pin credential")
	}
	if err != nil {
		return storage.PinCredential{}, mapErr(op, err)
	}
	var cred storage.PinCredential
	if err := json.Unmarshal(payload, &cred); err != nil {
		return storage.PinCredential{}, contracts.StorageError(fmt.Errorf("%s: decode: %w", op, err))
	}
	return cred, nil
}

func (s *Store) SavePinCredential(ctx context.Context, cred storage.PinCredential) error {
	const op = "pgstore.SavePinCredential"
	payload, err := json.Marshal(cred)
	if err != nil {
		return contracts.E(op, contracts.ErrInvalidInput, "credential not encodable")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+s.table("pin_credential")+` (id, payload, updated_at) VALUES (1, $1, $2)
		 ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		payload, time.Now().UTC(),
	)
	return mapErr(op, err)
}

func (s *Store) PutDocument(ctx context.Context, doc storage.CachedDocument) error {
	const op = "pgstore.PutDocument"
	if strings.TrimSpace(doc.Document.ID) == "" {
		return contracts.E(op, contracts.ErrInvalidInput, "missing document id")
	}
	payload, err := json.Marshal(doc.Document)
	if err != nil {
		return contracts.E(op, contracts.ErrInvalidInput, "document not encodable")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+s.table("did_documents")+` (did, document, cached_at) VALUES ($1, $2, $3)
		 ON CONFLICT (did) DO UPDATE SET document = EXCLUDED.document, cached_at = EXCLUDED.cached_at`,
		doc.Document.ID, payload, doc.CachedAt,
	)
	return mapErr(op, err)
}

func (s *Store) GetDocument(ctx context.Context, did string) (storage.CachedDocument, error) {
	const op = "pgstore.GetDocument"
	var (
		payload []byte
		out     storage.CachedDocument
	)
	err := s.pool.QueryRow(ctx, `SELECT document, cached_at FROM `+s.table("did_documents")+` WHERE did = $1`, did).Scan(&payload, &out.CachedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.CachedDocument{}, contracts.E(op, contracts.ErrNotFound, "document")
	}
	if err != nil {
		return storage.CachedDocument{}, mapErr(op, err)
	}
	if err := json.Unmarshal(payload, &out.Document); err != nil {
		return storage.CachedDocument{}, contracts.StorageError(fmt.Errorf("%s: decode: %w", op, err))
	}
	return out, nil
}

func (s *Store) DeleteDocument(ctx context.Context, did string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM `+s.table("did_documents")+` WHERE did = $1`, did)
	return mapErr("pgstore.DeleteDocument", err)
}

// missingOrConflict explains why a guarded UPDATE touched no rows.
func (s *Store) missingOrConflict(ctx context.Context, op, table, column, key, what, conflictMsg string) error {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM ` + s.table(table) + ` WHERE ` + pgx.Identifier{column}.Sanitize() + ` = $1)`
	if err := s.pool.QueryRow(ctx, query, key).Scan(&exists); err != nil {
		return mapErr(op, err)
	}
	if !exists {
		return contracts.E(op, contracts.ErrNotFound, what)
	}
	return contracts.E(op, contracts.ErrConflict, conflictMsg)
}

func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return contracts.StorageError(fmt.Errorf("%s: %w", op, err))
}

func constraintViolated(err error, name string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == name
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" // unique_violation
}
