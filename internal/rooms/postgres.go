package rooms

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// uniqueViolation is the Postgres error code for a duplicate key.
const uniqueViolation = "23505"

// Compile-time interface check.
var _ Directory = (*PostgresStore)(nil)

// PostgresStore keeps the directory in the group_rooms table.
type PostgresStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// ConnectPostgres opens the database, applies pending migrations and
// returns a ready store.
func ConnectPostgres(databaseURL string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("rooms: connect postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := Migrate(db.DB); err != nil {
		db.Close()
		return nil, err
	}
	return NewPostgresStore(db), nil
}

// NewPostgresStore wraps an open, migrated database.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("rooms: load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "rooms_schema_migrations"})
	if err != nil {
		return fmt.Errorf("rooms: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("rooms: migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rooms: migrate up: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Create(ctx context.Context, params CreateParams) (*Room, error) {
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		room, err := newRoom(params, GenerateHash(), s.now())
		if err != nil {
			return nil, err
		}
		err = s.insert(ctx, room)
		if isUniqueViolation(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return room, nil
	}
	return nil, fmt.Errorf("rooms: no free hash after %d attempts", maxCreateAttempts)
}

func (s *PostgresStore) LookupByHash(ctx context.Context, hash string) (*Room, error) {
	h, err := checkHash(hash)
	if err != nil {
		return nil, err
	}
	return s.get(ctx, h)
}

func (s *PostgresStore) Join(ctx context.Context, hash string) (*Room, error) {
	h, err := checkHash(hash)
	if err != nil {
		return nil, err
	}
	room, err := s.get(ctx, h)
	if err != nil || room != nil {
		return room, err
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO group_rooms (id, hash, name, created_by, created_at, max_users, is_public, description)
		VALUES (:id, :hash, :name, :created_by, :created_at, :max_users, :is_public, :description)
		ON CONFLICT (hash) DO NOTHING
	`, placeholder(h, s.now()))
	if err != nil {
		return nil, fmt.Errorf("rooms: register %s: %w", h, err)
	}
	return s.get(ctx, h)
}

func (s *PostgresStore) ListPublic(ctx context.Context) ([]Room, error) {
	var rooms []Room
	err := s.db.SelectContext(ctx, &rooms, `
		SELECT * FROM group_rooms
		WHERE is_public
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("rooms: list public: %w", err)
	}
	return rooms, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE is_public)
		FROM group_rooms
	`).Scan(&st.Total, &st.Public)
	if err != nil {
		return Stats{}, fmt.Errorf("rooms: stats: %w", err)
	}
	st.Private = st.Total - st.Public
	return st, nil
}

func (s *PostgresStore) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM group_rooms WHERE created_at < $1
	`, s.now().Add(-maxAge).UTC())
	if err != nil {
		return 0, fmt.Errorf("rooms: cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rooms: cleanup: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) insert(ctx context.Context, room *Room) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO group_rooms (id, hash, name, created_by, created_at, max_users, is_public, description)
		VALUES (:id, :hash, :name, :created_by, :created_at, :max_users, :is_public, :description)
	`, room)
	if err != nil && !isUniqueViolation(err) {
		return fmt.Errorf("rooms: insert %s: %w", room.Hash, err)
	}
	return err
}

func (s *PostgresStore) get(ctx context.Context, hash string) (*Room, error) {
	var room Room
	err := s.db.GetContext(ctx, &room, `SELECT * FROM group_rooms WHERE hash = $1`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rooms: get %s: %w", hash, err)
	}
	return &room, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}
