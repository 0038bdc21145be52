package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/dgellow/identity-server/internal/clock"
	"github.com/dgellow/identity-server/internal/crypto"
	"github.com/dgellow/identity-server/internal/log"
	"github.com/dgellow/identity-server/internal/oauth"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var (
	_ GrantStore              = (*SQLGrantStore)(nil)
	_ DeviceRepository        = (*SQLDeviceRepository)(nil)
	_ CodeChallengeRepository = (*SQLCodeChallengeRepository)(nil)
	_ BlacklistRepository     = (*SQLBlacklist)(nil)
)

// OpenSQL connects to postgres or sqlite and applies pending migrations.
func OpenSQL(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	var dialect database.Dialect
	switch driver {
	case DriverPostgres:
		dialect = database.DialectPostgres
	case DriverSQLite:
		dialect = database.DialectSQLite3
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}
	if driver == DriverSQLite {
		// A single writer avoids SQLITE_BUSY under concurrent exchanges.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("configuring sqlite: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to %s database: %w", driver, err)
	}
	if err := runMigrations(ctx, db.DB, dialect); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func runMigrations(ctx context.Context, db *sql.DB, dialect database.Dialect) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	provider, err := goose.NewProvider(dialect, db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	for _, r := range results {
		log.LogDebugWithFields("storage", "Applied migration", map[string]any{
			"version":  r.Source.Version,
			"duration": r.Duration.String(),
		})
	}
	return nil
}

// NewSQLBackend builds every store on one connection pool. The backend owns
// db and closes it.
func NewSQLBackend(db *sqlx.DB, clk clock.Clock) *Backend {
	return &Backend{
		Grants:     NewSQLGrantStore(db, clk),
		Devices:    NewSQLDeviceRepository(db),
		Challenges: NewSQLCodeChallengeRepository(db),
		Blacklist:  NewSQLBlacklist(db, clk),
		ping:       db.PingContext,
		close:      []func() error{db.Close},
	}
}

type grantRow struct {
	Key        string `db:"grant_key"`
	GrantType  string `db:"grant_type"`
	GrantData  string `db:"grant_data"`
	ClientID   string `db:"client_id"`
	UserID     string `db:"user_id"`
	Scope      string `db:"scope"`
	Expiration int64  `db:"expiration"`
	CreatedAt  int64  `db:"created_at"`
	ExpiresAt  int64  `db:"expires_at"`
}

func (r *grantRow) toGrant() *oauth.PersistentGrant {
	return &oauth.PersistentGrant{
		Key:        r.Key,
		Type:       oauth.GrantType(r.GrantType),
		Data:       r.GrantData,
		ClientID:   r.ClientID,
		UserID:     r.UserID,
		Scope:      r.Scope,
		Expiration: r.Expiration,
		CreatedAt:  time.Unix(r.CreatedAt, 0),
	}
}

const grantColumns = `grant_key, grant_type, grant_data, client_id, user_id, scope, expiration, created_at, expires_at`

// SQLGrantStore runs every grant operation against the persistent_grants
// table. Exchange relies on row-level locking of DELETE: of two concurrent
// deletes of the same row only one observes it.
type SQLGrantStore struct {
	db    *sqlx.DB
	clock clock.Clock
}

func NewSQLGrantStore(db *sqlx.DB, clk clock.Clock) *SQLGrantStore {
	return &SQLGrantStore{db: db, clock: clk}
}

func (s *SQLGrantStore) Exists(ctx context.Context, grantType oauth.GrantType, data string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(
		`SELECT COUNT(*) FROM persistent_grants WHERE grant_type = ? AND grant_data = ? AND expires_at > ?`),
		string(grantType), data, s.clock.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("checking grant: %w", err)
	}
	return n > 0, nil
}

func (s *SQLGrantStore) Get(ctx context.Context, grantType oauth.GrantType, data string) (*oauth.PersistentGrant, error) {
	var row grantRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT `+grantColumns+` FROM persistent_grants WHERE grant_type = ? AND grant_data = ? AND expires_at > ?`),
		string(grantType), data, s.clock.Now().Unix())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, oauth.ErrGrantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching grant: %w", err)
	}
	return row.toGrant(), nil
}

func (s *SQLGrantStore) Create(ctx context.Context, grant *oauth.PersistentGrant) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if err := s.insert(ctx, tx, grant, s.clock.Now()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing grant: %w", err)
	}
	return nil
}

// insert replaces an expired row holding the same credential, then inserts
// grant. A live duplicate surfaces as a unique violation.
func (s *SQLGrantStore) insert(ctx context.Context, tx *sqlx.Tx, grant *oauth.PersistentGrant, now time.Time) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(
		`DELETE FROM persistent_grants WHERE grant_type = ? AND grant_data = ? AND expires_at <= ?`),
		string(grant.Type), grant.Data, now.Unix())
	if err != nil {
		return fmt.Errorf("clearing expired grant: %w", err)
	}

	prepareGrant(grant, now, crypto.NewKey)
	_, err = tx.ExecContext(ctx, tx.Rebind(
		`INSERT INTO persistent_grants (`+grantColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		grant.Key, string(grant.Type), grant.Data, grant.ClientID, grant.UserID, grant.Scope,
		grant.Expiration, grant.CreatedAt.Unix(), grant.ExpiresAt().Unix())
	if isUniqueViolation(err) {
		return oauth.ErrDuplicateGrant
	}
	if err != nil {
		return fmt.Errorf("inserting grant: %w", err)
	}
	return nil
}

func (s *SQLGrantStore) Delete(ctx context.Context, grantType oauth.GrantType, data string) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	live, err := s.consume(ctx, tx, oauth.GrantKey{Type: grantType, Data: data}, s.clock.Now())
	if err != nil {
		return 0, err
	}
	// Expired leftovers go too; they no longer count as found.
	if _, err := tx.ExecContext(ctx, tx.Rebind(
		`DELETE FROM persistent_grants WHERE grant_type = ? AND grant_data = ?`),
		string(grantType), data); err != nil {
		return 0, fmt.Errorf("deleting grant: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing delete: %w", err)
	}

	if !live {
		return http.StatusNotFound, nil
	}
	return http.StatusOK, nil
}

// consume deletes the live grant for key and reports whether there was one.
func (s *SQLGrantStore) consume(ctx context.Context, tx *sqlx.Tx, key oauth.GrantKey, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, tx.Rebind(
		`DELETE FROM persistent_grants WHERE grant_type = ? AND grant_data = ? AND expires_at > ?`),
		string(key.Type), key.Data, now.Unix())
	if err != nil {
		return false, fmt.Errorf("consuming grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consuming grant: %w", err)
	}
	return n > 0, nil
}

func (s *SQLGrantStore) DeleteByClientAndUser(ctx context.Context, clientID, userID string) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var live int
	if err := tx.GetContext(ctx, &live, tx.Rebind(
		`SELECT COUNT(*) FROM persistent_grants WHERE client_id = ? AND user_id = ? AND expires_at > ?`),
		clientID, userID, s.clock.Now().Unix()); err != nil {
		return 0, fmt.Errorf("counting grants: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(
		`DELETE FROM persistent_grants WHERE client_id = ? AND user_id = ?`),
		clientID, userID); err != nil {
		return 0, fmt.Errorf("deleting grants: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing delete: %w", err)
	}

	if live == 0 {
		return 0, oauth.ErrGrantNotFound
	}
	return live, nil
}

func (s *SQLGrantStore) Exchange(ctx context.Context, consume oauth.GrantKey, issue *oauth.PersistentGrant) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	now := s.clock.Now()
	found, err := s.consume(ctx, tx, consume, now)
	if err != nil {
		return err
	}
	if !found {
		return oauth.ErrGrantNotFound
	}
	if issue != nil {
		if err := s.insert(ctx, tx, issue, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing exchange: %w", err)
	}
	return nil
}

func (s *SQLGrantStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM persistent_grants WHERE expires_at <= ?`), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("sweeping grants: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweeping grants: %w", err)
	}
	return int(n), nil
}

func (s *SQLGrantStore) NextExpiry(ctx context.Context) (time.Time, bool, error) {
	var next sql.NullInt64
	if err := s.db.GetContext(ctx, &next, `SELECT MIN(expires_at) FROM persistent_grants`); err != nil {
		return time.Time{}, false, fmt.Errorf("reading next expiry: %w", err)
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(next.Int64, 0), true, nil
}

type deviceRow struct {
	DeviceCode      string `db:"device_code"`
	UserCode        string `db:"user_code"`
	ClientID        string `db:"client_id"`
	Scope           string `db:"scope"`
	VerificationURI string `db:"verification_uri"`
	ExpiresIn       int64  `db:"expires_in"`
	PollInterval    int64  `db:"poll_interval"`
	CreatedAt       int64  `db:"created_at"`
}

func (r *deviceRow) toDevice() *oauth.Device {
	return &oauth.Device{
		ClientID:        r.ClientID,
		DeviceCode:      r.DeviceCode,
		UserCode:        r.UserCode,
		Scope:           r.Scope,
		VerificationURI: r.VerificationURI,
		ExpiresIn:       r.ExpiresIn,
		Interval:        r.PollInterval,
		CreatedAt:       time.Unix(r.CreatedAt, 0),
	}
}

const deviceColumns = `device_code, user_code, client_id, scope, verification_uri, expires_in, poll_interval, created_at`

type SQLDeviceRepository struct {
	db *sqlx.DB
}

func NewSQLDeviceRepository(db *sqlx.DB) *SQLDeviceRepository {
	return &SQLDeviceRepository{db: db}
}

func (r *SQLDeviceRepository) Create(ctx context.Context, d *oauth.Device) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`INSERT INTO devices (`+deviceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		d.DeviceCode, d.UserCode, d.ClientID, d.Scope, d.VerificationURI, d.ExpiresIn, d.Interval, d.CreatedAt.Unix())
	if isUniqueViolation(err) {
		return oauth.ErrDuplicateGrant
	}
	if err != nil {
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

func (r *SQLDeviceRepository) get(ctx context.Context, column, value string) (*oauth.Device, error) {
	var row deviceRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(
		`SELECT `+deviceColumns+` FROM devices WHERE `+column+` = ?`), value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching device: %w", err)
	}
	return row.toDevice(), nil
}

func (r *SQLDeviceRepository) GetByDeviceCode(ctx context.Context, deviceCode string) (*oauth.Device, error) {
	return r.get(ctx, "device_code", deviceCode)
}

func (r *SQLDeviceRepository) GetByUserCode(ctx context.Context, userCode string) (*oauth.Device, error) {
	return r.get(ctx, "user_code", userCode)
}

func (r *SQLDeviceRepository) delete(ctx context.Context, column, value string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM devices WHERE `+column+` = ?`), value)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLDeviceRepository) DeleteByDeviceCode(ctx context.Context, deviceCode string) error {
	return r.delete(ctx, "device_code", deviceCode)
}

func (r *SQLDeviceRepository) DeleteByUserCode(ctx context.Context, userCode string) error {
	return r.delete(ctx, "user_code", userCode)
}

type SQLCodeChallengeRepository struct {
	db *sqlx.DB
}

func NewSQLCodeChallengeRepository(db *sqlx.DB) *SQLCodeChallengeRepository {
	return &SQLCodeChallengeRepository{db: db}
}

func (r *SQLCodeChallengeRepository) Save(ctx context.Context, c *oauth.CodeChallenge) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`INSERT INTO code_challenges (client_id, challenge, method) VALUES (?, ?, ?)
		 ON CONFLICT (client_id) DO UPDATE SET challenge = excluded.challenge, method = excluded.method`),
		c.ClientID, c.Challenge, string(c.Method))
	if err != nil {
		return fmt.Errorf("saving code challenge: %w", err)
	}
	return nil
}

func (r *SQLCodeChallengeRepository) Get(ctx context.Context, clientID string) (*oauth.CodeChallenge, error) {
	var row struct {
		ClientID  string `db:"client_id"`
		Challenge string `db:"challenge"`
		Method    string `db:"method"`
	}
	err := r.db.GetContext(ctx, &row, r.db.Rebind(
		`SELECT client_id, challenge, method FROM code_challenges WHERE client_id = ?`), clientID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching code challenge: %w", err)
	}
	return &oauth.CodeChallenge{
		ClientID:  row.ClientID,
		Challenge: row.Challenge,
		Method:    oauth.ChallengeMethod(row.Method),
	}, nil
}

func (r *SQLCodeChallengeRepository) Delete(ctx context.Context, clientID string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM code_challenges WHERE client_id = ?`), clientID)
	if err != nil {
		return fmt.Errorf("deleting code challenge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type SQLBlacklist struct {
	db    *sqlx.DB
	clock clock.Clock
}

func NewSQLBlacklist(db *sqlx.DB, clk clock.Clock) *SQLBlacklist {
	return &SQLBlacklist{db: db, clock: clk}
}

func (b *SQLBlacklist) Add(ctx context.Context, token string, expiresAt time.Time) error {
	_, err := b.db.ExecContext(ctx, b.db.Rebind(
		`INSERT INTO blacklisted_tokens (token_hash, expires_at) VALUES (?, ?)
		 ON CONFLICT (token_hash) DO NOTHING`),
		hashKey(token), expiresAt.Unix())
	if err != nil {
		return fmt.Errorf("blacklisting token: %w", err)
	}
	return nil
}

func (b *SQLBlacklist) Exists(ctx context.Context, token string) (bool, error) {
	var n int
	if err := b.db.GetContext(ctx, &n, b.db.Rebind(
		`SELECT COUNT(*) FROM blacklisted_tokens WHERE token_hash = ?`), hashKey(token)); err != nil {
		return false, fmt.Errorf("checking blacklist: %w", err)
	}
	return n > 0, nil
}

func (b *SQLBlacklist) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := b.db.ExecContext(ctx, b.db.Rebind(
		`DELETE FROM blacklisted_tokens WHERE expires_at <= ?`), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("sweeping blacklist: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweeping blacklist: %w", err)
	}
	return int(n), nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sqlx.Tx) { _ = tx.Rollback() }
