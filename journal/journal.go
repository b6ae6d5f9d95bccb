// Package journal persists admitted transfers so their history survives
// restarts and can be inspected offline.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	_ "modernc.org/sqlite"

	"thresholdsig/core/types"
	"thresholdsig/ledger"
)

// Journal is a SQLite-backed ledger.Sink.
type Journal struct {
	db    *sql.DB
	nowFn func() time.Time
}

var _ ledger.Sink = (*Journal)(nil)

// Entry is a journaled transfer.
type Entry struct {
	SessionID  string
	NetworkID  uint64
	Contract   common.Address
	Account    common.Address
	Tx         types.Transaction
	RecordedAt time.Time
}

// Filter narrows History. Zero fields match everything.
type Filter struct {
	SessionID string
	NetworkID uint64
	Contract  common.Address
	To        common.Address
	Limit     int
}

// Open creates or opens the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Single writer keeps SQLite from returning SQLITE_BUSY under concurrent admissions.
	db.SetMaxOpenConns(1)
	j := &Journal{db: db, nowFn: time.Now}
	if err := j.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS transfers (
            session_id TEXT NOT NULL,
            network_id INTEGER NOT NULL,
            contract TEXT NOT NULL,
            account TEXT NOT NULL,
            tx_index INTEGER NOT NULL,
            to_addr TEXT NOT NULL,
            value TEXT NOT NULL,
            executed INTEGER NOT NULL,
            recorded_at TIMESTAMP NOT NULL,
            PRIMARY KEY(session_id, tx_index)
        );`,
		`CREATE INDEX IF NOT EXISTS transfers_contract_idx ON transfers(network_id, contract);`,
	}
	for _, stmt := range schema {
		if _, err := j.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores one admission. Replaying an admission is a no-op.
func (j *Journal) Record(ctx context.Context, admission ledger.Admission) error {
	tx := admission.Tx
	if tx.Value == nil {
		return fmt.Errorf("journal: transaction %d has no value", tx.TxIndex)
	}
	const stmt = `INSERT OR IGNORE INTO transfers
        (session_id, network_id, contract, account, tx_index, to_addr, value, executed, recorded_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	executed := 0
	if tx.Executed {
		executed = 1
	}
	_, err := j.db.ExecContext(ctx, stmt,
		admission.SessionID,
		int64(admission.NetworkID),
		admission.Contract.Hex(),
		admission.Account.Hex(),
		int64(tx.TxIndex),
		tx.To.Hex(),
		tx.Value.Dec(),
		executed,
		j.nowFn().UTC(),
	)
	if err != nil {
		return fmt.Errorf("journal: record transfer %d: %w", tx.TxIndex, err)
	}
	return nil
}

// History returns journaled transfers in the order they were recorded.
func (j *Journal) History(ctx context.Context, filter Filter) ([]Entry, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.NetworkID != 0 {
		clauses = append(clauses, "network_id = ?")
		args = append(args, int64(filter.NetworkID))
	}
	if (filter.Contract != common.Address{}) {
		clauses = append(clauses, "contract = ?")
		args = append(args, filter.Contract.Hex())
	}
	if (filter.To != common.Address{}) {
		clauses = append(clauses, "to_addr = ?")
		args = append(args, filter.To.Hex())
	}
	query := `SELECT session_id, network_id, contract, account, tx_index, to_addr, value, executed, recorded_at FROM transfers`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY recorded_at, session_id, tx_index"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			entry                 Entry
			networkID, txIndex    int64
			contract, account, to string
			value                 string
			executed              int
		)
		if err := rows.Scan(&entry.SessionID, &networkID, &contract, &account, &txIndex, &to, &value, &executed, &entry.RecordedAt); err != nil {
			return nil, fmt.Errorf("journal: scan history: %w", err)
		}
		amount, err := uint256.FromDecimal(value)
		if err != nil {
			return nil, fmt.Errorf("journal: transfer %s/%d has invalid value %q: %w", entry.SessionID, txIndex, value, err)
		}
		entry.NetworkID = uint64(networkID)
		entry.Contract = common.HexToAddress(contract)
		entry.Account = common.HexToAddress(account)
		entry.Tx = types.Transaction{
			TxIndex:  uint64(txIndex),
			To:       common.HexToAddress(to),
			Value:    amount,
			Executed: executed == 1,
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
