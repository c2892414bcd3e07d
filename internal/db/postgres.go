package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/balu-dk/go-ocpi/internal/ocpi"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgreSQL connection pool and
// ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS parties (
			registration_id TEXT PRIMARY KEY,
			country_code    TEXT NOT NULL,
			party_code      TEXT NOT NULL,
			status          TEXT NOT NULL,
			content_hash    TEXT NOT NULL,
			last_updated    TIMESTAMPTZ NOT NULL,
			version         BIGINT NOT NULL,
			doc             JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS parties_identity_idx ON parties (country_code, party_code);

		CREATE TABLE IF NOT EXISTS envelopes (
			owner_country TEXT NOT NULL,
			owner_party   TEXT NOT NULL,
			module        TEXT NOT NULL,
			id            TEXT NOT NULL,
			last_updated  TIMESTAMPTZ NOT NULL,
			payload       JSONB,
			deleted       BOOLEAN NOT NULL DEFAULT FALSE,
			content_hash  TEXT NOT NULL,
			version       BIGINT NOT NULL,
			PRIMARY KEY (owner_country, owner_party, module, id)
		);
		CREATE INDEX IF NOT EXISTS envelopes_order_idx
			ON envelopes (owner_country, owner_party, module, last_updated, id);

		CREATE TABLE IF NOT EXISTS dead_letters (
			id              TEXT PRIMARY KEY,
			registration_id TEXT NOT NULL,
			envelope        JSONB NOT NULL,
			attempts        INT NOT NULL,
			last_error      TEXT NOT NULL,
			queued_at       TIMESTAMPTZ NOT NULL
		);
	`
	_, err := s.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PostgresStore) GetParty(ctx context.Context, registrationID string) (*ocpi.RemoteParty, error) {
	return s.scanParty(ctx, `SELECT doc, version FROM parties WHERE registration_id = $1`, registrationID)
}

func (s *PostgresStore) FindPartyByIdentity(ctx context.Context, id ocpi.PartyID) (*ocpi.RemoteParty, error) {
	return s.scanParty(ctx,
		`SELECT doc, version FROM parties WHERE country_code = $1 AND party_code = $2`,
		id.CountryCode, id.PartyCode)
}

func (s *PostgresStore) scanParty(ctx context.Context, query string, args ...interface{}) (*ocpi.RemoteParty, error) {
	var doc []byte
	var version int64
	err := s.pool.QueryRow(ctx, query, args...).Scan(&doc, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p := &ocpi.RemoteParty{}
	if err := json.Unmarshal(doc, p); err != nil {
		return nil, fmt.Errorf("failed to decode party: %w", err)
	}
	p.Version = version
	return p, nil
}

func (s *PostgresStore) ListParties(ctx context.Context) ([]*ocpi.RemoteParty, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc, version FROM parties ORDER BY registration_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var parties []*ocpi.RemoteParty
	for rows.Next() {
		var doc []byte
		var version int64
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, err
		}
		p := &ocpi.RemoteParty{}
		if err := json.Unmarshal(doc, p); err != nil {
			return nil, fmt.Errorf("failed to decode party: %w", err)
		}
		p.Version = version
		parties = append(parties, p)
	}
	return parties, rows.Err()
}

func (s *PostgresStore) PutParty(ctx context.Context, p *ocpi.RemoteParty) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return err
	}
	identity := p.Identity()
	hash := p.Hash()

	if p.Version == 0 {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO parties (registration_id, country_code, party_code, status, content_hash, last_updated, version, doc)
			VALUES ($1, $2, $3, $4, $5, $6, 1, $7)
			ON CONFLICT (registration_id) DO NOTHING
		`, p.RegistrationID, identity.CountryCode, identity.PartyCode, string(p.Status), hash, p.LastUpdated, doc)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrDuplicate
		}
		p.Version = 1
		return nil
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE parties
		SET country_code = $2, party_code = $3, status = $4, content_hash = $5,
			last_updated = $6, version = version + 1, doc = $7
		WHERE registration_id = $1 AND version = $8
	`, p.RegistrationID, identity.CountryCode, identity.PartyCode, string(p.Status), hash, p.LastUpdated, doc, p.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := s.GetParty(ctx, p.RegistrationID); errors.Is(gerr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	p.Version++
	return nil
}

func (s *PostgresStore) GetEnvelope(ctx context.Context, owner ocpi.PartyID, module ocpi.ModuleID, id string) (*ocpi.Envelope, error) {
	env := &ocpi.Envelope{Owner: owner, Module: module, ID: id}
	var payload []byte
	err := s.pool.QueryRow(ctx, `
		SELECT last_updated, payload, deleted, content_hash, version
		FROM envelopes
		WHERE owner_country = $1 AND owner_party = $2 AND module = $3 AND id = $4
	`, owner.CountryCode, owner.PartyCode, module, id).Scan(
		&env.LastUpdated, &payload, &env.Deleted, &env.Hash, &env.StoreVersion,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	env.Payload = payload
	return env, nil
}

func (s *PostgresStore) PutEnvelope(ctx context.Context, env *ocpi.Envelope) error {
	if env.StoreVersion == 0 {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO envelopes (owner_country, owner_party, module, id, last_updated, payload, deleted, content_hash, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
			ON CONFLICT (owner_country, owner_party, module, id) DO NOTHING
		`, env.Owner.CountryCode, env.Owner.PartyCode, env.Module, env.ID,
			env.LastUpdated, []byte(env.Payload), env.Deleted, env.Hash)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}
		env.StoreVersion = 1
		return nil
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE envelopes
		SET last_updated = $5, payload = $6, deleted = $7, content_hash = $8, version = version + 1
		WHERE owner_country = $1 AND owner_party = $2 AND module = $3 AND id = $4 AND version = $9
	`, env.Owner.CountryCode, env.Owner.PartyCode, env.Module, env.ID,
		env.LastUpdated, []byte(env.Payload), env.Deleted, env.Hash, env.StoreVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	env.StoreVersion++
	return nil
}

func (s *PostgresStore) ListEnvelopes(ctx context.Context, owner ocpi.PartyID, module ocpi.ModuleID, q EnvelopeQuery) ([]*ocpi.Envelope, int, error) {
	where := `owner_country = $1 AND owner_party = $2 AND module = $3`
	args := []interface{}{owner.CountryCode, owner.PartyCode, module}
	if q.From != nil {
		args = append(args, *q.From)
		where += fmt.Sprintf(` AND last_updated > $%d`, len(args))
	}
	if q.To != nil {
		args = append(args, *q.To)
		where += fmt.Sprintf(` AND last_updated < $%d`, len(args))
	}
	if q.ExcludeDeleted {
		where += ` AND NOT deleted`
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM envelopes WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	if q.Cursor != nil {
		args = append(args, q.Cursor.After, q.Cursor.AfterID)
		where += fmt.Sprintf(` AND (last_updated, id) > ($%d, $%d)`, len(args)-1, len(args))
	}
	query := `
		SELECT id, last_updated, payload, deleted, content_hash, version
		FROM envelopes WHERE ` + where + `
		ORDER BY last_updated, id`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var envelopes []*ocpi.Envelope
	for rows.Next() {
		env := &ocpi.Envelope{Owner: owner, Module: module}
		var payload []byte
		if err := rows.Scan(&env.ID, &env.LastUpdated, &payload, &env.Deleted, &env.Hash, &env.StoreVersion); err != nil {
			return nil, 0, err
		}
		env.Payload = payload
		envelopes = append(envelopes, env)
	}
	return envelopes, total, rows.Err()
}

func (s *PostgresStore) EnqueueDeadLetter(ctx context.Context, d *DeadLetter) error {
	envelope, err := json.Marshal(d.Envelope)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO dead_letters (id, registration_id, envelope, attempts, last_error, queued_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET attempts = $4, last_error = $5
	`, d.ID, d.RegistrationID, envelope, d.Attempts, d.LastError, d.QueuedAt)
	return err
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context) ([]*DeadLetter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, registration_id, envelope, attempts, last_error, queued_at
		FROM dead_letters ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		d := &DeadLetter{}
		var envelope []byte
		if err := rows.Scan(&d.ID, &d.RegistrationID, &envelope, &d.Attempts, &d.LastError, &d.QueuedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(envelope, &d.Envelope); err != nil {
			return nil, fmt.Errorf("failed to decode dead letter: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteDeadLetter(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
var _ Store = (*MemoryStore)(nil)
