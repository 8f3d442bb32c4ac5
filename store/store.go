// Package store provides the persistent store contract: positions, trades,
// price orders, close events, inconsistent states, agent decisions, and
// account history snapshots. All database access goes through this package.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	"sentrypd/logger"
)

// Store is the unified data storage interface. Sub-stores are constructed
// lazily and guarded by mu, mirroring the teacher's per-table sub-store
// layout.
type Store struct {
	db     *sql.DB
	driver *DBDriver

	position       *PositionStore
	trade          *TradeStore
	priceOrder     *PriceOrderStore
	closeEvent     *CloseEventStore
	inconsistent   *InconsistentStore
	decision       *DecisionStore
	accountHistory *AccountHistoryStore

	mu sync.RWMutex
}

// New opens a sqlite-backed Store at dbPath.
func New(dbPath string) (*Store, error) {
	driver, err := NewDBDriver(DBConfig{Type: DBTypeSQLite, Path: dbPath})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return newStore(driver)
}

// NewFromEnv opens a Store using the DATABASE_URL convention: a bare path
// selects sqlite, a postgres:// URL selects the pgx driver.
func NewFromEnv(databaseURL string) (*Store, error) {
	driver, err := NewDBDriverFromEnv(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return newStore(driver)
}

func newStore(driver *DBDriver) (*Store, error) {
	s := &Store{db: driver.DB(), driver: driver}

	if err := s.initTables(); err != nil {
		driver.Close()
		return nil, fmt.Errorf("failed to initialize table structure: %w", err)
	}

	logger.Infof("database initialized (type: %s)", driver.Type)
	return s, nil
}

func (s *Store) initTables() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS system_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create system_config table: %w", err)
	}

	if err := s.Position().InitTables(); err != nil {
		return fmt.Errorf("failed to initialize position tables: %w", err)
	}
	if err := s.Trade().InitTables(); err != nil {
		return fmt.Errorf("failed to initialize trade tables: %w", err)
	}
	if err := s.PriceOrder().InitTables(); err != nil {
		return fmt.Errorf("failed to initialize price order tables: %w", err)
	}
	if err := s.CloseEvent().InitTables(); err != nil {
		return fmt.Errorf("failed to initialize close event tables: %w", err)
	}
	if err := s.Inconsistent().InitTables(); err != nil {
		return fmt.Errorf("failed to initialize inconsistent state tables: %w", err)
	}
	if err := s.Decision().InitTables(); err != nil {
		return fmt.Errorf("failed to initialize agent decision tables: %w", err)
	}
	if err := s.AccountHistory().InitTables(); err != nil {
		return fmt.Errorf("failed to initialize account history tables: %w", err)
	}
	return nil
}

func (s *Store) Position() *PositionStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.position == nil {
		s.position = &PositionStore{db: s.db}
	}
	return s.position
}

func (s *Store) Trade() *TradeStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trade == nil {
		s.trade = &TradeStore{db: s.db}
	}
	return s.trade
}

func (s *Store) PriceOrder() *PriceOrderStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.priceOrder == nil {
		s.priceOrder = &PriceOrderStore{db: s.db}
	}
	return s.priceOrder
}

func (s *Store) CloseEvent() *CloseEventStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeEvent == nil {
		s.closeEvent = &CloseEventStore{db: s.db}
	}
	return s.closeEvent
}

func (s *Store) Inconsistent() *InconsistentStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inconsistent == nil {
		s.inconsistent = &InconsistentStore{db: s.db}
	}
	return s.inconsistent
}

func (s *Store) Decision() *DecisionStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.decision == nil {
		s.decision = &DecisionStore{db: s.db}
	}
	return s.decision
}

func (s *Store) AccountHistory() *AccountHistoryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accountHistory == nil {
		s.accountHistory = &AccountHistoryStore{db: s.db}
	}
	return s.accountHistory
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s.driver != nil {
		return s.driver.Close()
	}
	return s.db.Close()
}

func (s *Store) DBType() DBType {
	if s.driver != nil {
		return s.driver.Type
	}
	return DBTypeSQLite
}

// DB returns the underlying connection for callers that need direct access.
// Writes that span more than one sub-store, such as the risk engine's open
// path (PriceOrder, Trade and Position rows), go through Transaction.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) GetSystemConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM system_config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (s *Store) SetSystemConfig(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO system_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// Transaction runs fn inside a BEGIN/COMMIT, rolling back on any error
// returned by fn or by the commit itself.
func (s *Store) Transaction(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
