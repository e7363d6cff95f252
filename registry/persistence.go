package registry

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// dbSolver mirrors a record row for the optional durable store, following
// the teacher's DBSbundle field-tagging style (mevshare/database.go).
type dbSolver struct {
	ChainID      int64     `db:"chain_id"`
	Address      []byte    `db:"address"`
	Name         string    `db:"name"`
	Endpoint     string    `db:"endpoint"`
	RegisteredAt time.Time `db:"registered_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// registered_at is set on first insert and left untouched by later
// upserts (spec.md §3 "registration timestamp" is a record of first
// registration, not of the most recent endpoint/name update).
var upsertSolverQuery = `
INSERT INTO solver_registration (chain_id, address, name, endpoint, registered_at, updated_at)
VALUES (:chain_id, :address, :name, :endpoint, :registered_at, :updated_at)
ON CONFLICT (chain_id, address) DO UPDATE SET
	name = EXCLUDED.name, endpoint = EXCLUDED.endpoint, updated_at = EXCLUDED.updated_at`

var deleteSolverQuery = `DELETE FROM solver_registration WHERE chain_id = $1 AND address = $2`

var selectChainSolversQuery = `SELECT chain_id, address, name, endpoint, registered_at, updated_at FROM solver_registration WHERE chain_id = $1`

// SQLStore is an optional durable mirror of the in-memory registry table,
// so solver registrations survive a node restart. A Registry configured
// without one behaves exactly as if this package didn't exist.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore opens a connection pool against postgresDSN, matching the
// teacher's NewDBBackend pool sizing (mevshare/database.go).
func NewSQLStore(postgresDSN string) (*SQLStore, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(20)
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Upsert(chainID uint64, address common.Address, name, endpoint string, registeredAt, now time.Time) error {
	_, err := s.db.NamedExec(upsertSolverQuery, dbSolver{
		ChainID:      int64(chainID),
		Address:      address.Bytes(),
		Name:         name,
		Endpoint:     endpoint,
		RegisteredAt: registeredAt,
		UpdatedAt:    now,
	})
	return err
}

func (s *SQLStore) Delete(chainID uint64, address common.Address) error {
	_, err := s.db.Exec(deleteSolverQuery, int64(chainID), address.Bytes())
	return err
}

// LoadChain returns every persisted record for chainID, used to rehydrate
// a Registry's in-memory table on startup.
func (s *SQLStore) LoadChain(chainID uint64) ([]Solver, error) {
	var rows []dbSolver
	if err := s.db.Select(&rows, selectChainSolversQuery, int64(chainID)); err != nil {
		return nil, err
	}
	out := make([]Solver, 0, len(rows))
	for _, row := range rows {
		out = append(out, Solver{
			Address:      common.BytesToAddress(row.Address),
			Name:         row.Name,
			Endpoint:     row.Endpoint,
			RegisteredAt: row.RegisteredAt,
		})
	}
	return out, nil
}
