package router

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/flashbots/ledger-router/crypto"
	"github.com/flashbots/ledger-router/protocol"
	_ "github.com/lib/pq"
)

// RegistryStore persists signed shard registrations in registration order.
// Saving a uri that is already stored replaces it and keeps its position.
type RegistryStore interface {
	SaveShard(ctx context.Context, signed *protocol.Signed[protocol.ShardRegistration]) error
	DeleteShard(ctx context.Context, uri string) error
	LoadShards(ctx context.Context) ([]*protocol.Signed[protocol.ShardRegistration], error)
}

// PostgresStore implements RegistryStore with PostgreSQL persistence.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, port, c.User, c.Password, c.Database, sslMode)
}

// NewPostgresStore connects to the database and creates the schema.
func NewPostgresStore(ctx context.Context, config *PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS shard_registrations (
		seq BIGSERIAL NOT NULL,
		uri VARCHAR(512) PRIMARY KEY,
		identity_key VARCHAR(128) NOT NULL,
		attestation_type VARCHAR(64) NOT NULL DEFAULT '',
		attestation BYTEA,
		signature BYTEA NOT NULL,
		signer_public_key VARCHAR(128) NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_shard_registrations_seq ON shard_registrations(seq);
	`

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// SaveShard upserts a registration. The sequence number of an existing row
// is kept, so re-registering does not move the shard.
func (s *PostgresStore) SaveShard(ctx context.Context, signed *protocol.Signed[protocol.ShardRegistration]) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	reg := signed.Object

	query := `
	INSERT INTO shard_registrations
		(uri, identity_key, attestation_type, attestation, signature, signer_public_key, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, NOW())
	ON CONFLICT (uri) DO UPDATE SET
		identity_key = EXCLUDED.identity_key,
		attestation_type = EXCLUDED.attestation_type,
		attestation = EXCLUDED.attestation,
		signature = EXCLUDED.signature,
		signer_public_key = EXCLUDED.signer_public_key,
		updated_at = NOW()
	`

	_, err := s.db.ExecContext(ctx, query,
		reg.URI,
		reg.IdentityKey.String(),
		reg.AttestationType,
		reg.Attestation,
		signed.Signature.Bytes(),
		signed.PublicKey.String(),
	)
	return err
}

func (s *PostgresStore) DeleteShard(ctx context.Context, uri string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, "DELETE FROM shard_registrations WHERE uri = $1", uri)
	return err
}

// LoadShards returns every stored registration in registration order.
// Rows with unparseable keys are skipped.
func (s *PostgresStore) LoadShards(ctx context.Context) ([]*protocol.Signed[protocol.ShardRegistration], error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT uri, identity_key, attestation_type, attestation, signature, signer_public_key
		FROM shard_registrations
		ORDER BY seq
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*protocol.Signed[protocol.ShardRegistration]
	for rows.Next() {
		var (
			uri             string
			identityKey     string
			attestationType string
			attestation     []byte
			signature       []byte
			signerPubKey    string
		)

		if err := rows.Scan(&uri, &identityKey, &attestationType, &attestation, &signature, &signerPubKey); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		idKey, err := crypto.NewPublicKeyFromString(identityKey)
		if err != nil {
			continue
		}
		signerKey, err := crypto.NewPublicKeyFromString(signerPubKey)
		if err != nil {
			continue
		}

		result = append(result, &protocol.Signed[protocol.ShardRegistration]{
			PublicKey: signerKey,
			Signature: crypto.NewSignature(signature),
			Object: &protocol.ShardRegistration{
				URI:             uri,
				IdentityKey:     idKey,
				AttestationType: attestationType,
				Attestation:     attestation,
			},
		})
	}

	return result, rows.Err()
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// InMemoryStore implements RegistryStore for tests and development.
type InMemoryStore struct {
	mu     sync.Mutex
	shards []*protocol.Signed[protocol.ShardRegistration]
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) SaveShard(_ context.Context, signed *protocol.Signed[protocol.ShardRegistration]) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.IndexFunc(s.shards, func(o *protocol.Signed[protocol.ShardRegistration]) bool {
		return o.Object.URI == signed.Object.URI
	})
	if idx >= 0 {
		s.shards[idx] = signed
		return nil
	}
	s.shards = append(s.shards, signed)
	return nil
}

func (s *InMemoryStore) DeleteShard(_ context.Context, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.shards = slices.DeleteFunc(s.shards, func(o *protocol.Signed[protocol.ShardRegistration]) bool {
		return o.Object.URI == uri
	})
	return nil
}

func (s *InMemoryStore) LoadShards(_ context.Context) ([]*protocol.Signed[protocol.ShardRegistration], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.shards), nil
}
