package reward

import (
	"context"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// DeadLetterSink persists payouts that will not be retried again
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, p PendingDistribution) error
}

const ledgerBusyTimeout = 5 * time.Second

const createPayoutTable = `
CREATE TABLE IF NOT EXISTS payout (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT NOT NULL,
  address TEXT NOT NULL,
  amount TEXT NOT NULL,
  created_at_unix INTEGER NOT NULL
);`

const createPayoutSessionIndex = `
CREATE INDEX IF NOT EXISTS payout_session_idx ON payout (session_id);`

const createDeadLetterTable = `
CREATE TABLE IF NOT EXISTS dead_letter (
  id TEXT PRIMARY KEY,
  distribution_id TEXT NOT NULL,
  session_id TEXT NOT NULL,
  node_id TEXT NOT NULL,
  amount TEXT NOT NULL,
  retries INTEGER NOT NULL,
  last_error TEXT,
  created_at_unix INTEGER NOT NULL,
  dead_at_unix INTEGER NOT NULL
);`

// Ledger is a local settlement backend: it journals every payout in
// sqlite. It also keeps the dead-lettered payouts.
type Ledger struct {
	db  *sqlx.DB
	now func() time.Time
}

// Payout is a journaled settlement
type Payout struct {
	ID        int64       `json:"id"`
	SessionID string      `json:"session_id"`
	Address   string      `json:"address"`
	Amount    sdkmath.Int `json:"amount"`
	CreatedAt time.Time   `json:"created_at"`
}

var (
	_ Settlement     = (*Ledger)(nil)
	_ DeadLetterSink = (*Ledger)(nil)
)

// OpenLedger opens or creates the ledger database at dbPath
func OpenLedger(dbPath string) (*Ledger, error) {
	db, err := sqlx.Connect("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("cannot open ledger sqlite database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		fmt.Sprintf("PRAGMA busy_timeout=%d;", int64(ledgerBusyTimeout/time.Millisecond)),
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("cannot set sqlite database parameter: %w", err)
		}
	}
	for _, stmt := range []string{createPayoutTable, createPayoutSessionIndex, createDeadLetterTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("cannot create ledger schema: %w", err)
		}
	}

	return &Ledger{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Submit journals a payout
func (l *Ledger) Submit(ctx context.Context, sessionID, participantAddress string, amount sdkmath.Int) error {
	if participantAddress == "" {
		return fmt.Errorf("participant address is required")
	}
	if amount.IsNil() || amount.IsNegative() {
		return fmt.Errorf("invalid payout amount")
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO payout (session_id, address, amount, created_at_unix) VALUES (?, ?, ?, ?)`,
		sessionID, participantAddress, amount.String(), l.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert payout: %w", err)
	}
	return nil
}

// Payouts returns the journaled payouts of a session in insertion order
func (l *Ledger) Payouts(ctx context.Context, sessionID string) ([]Payout, error) {
	var rows []struct {
		ID            int64  `db:"id"`
		SessionID     string `db:"session_id"`
		Address       string `db:"address"`
		Amount        string `db:"amount"`
		CreatedAtUnix int64  `db:"created_at_unix"`
	}
	err := l.db.SelectContext(ctx, &rows,
		`SELECT id, session_id, address, amount, created_at_unix FROM payout WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query payout: %w", err)
	}

	out := make([]Payout, 0, len(rows))
	for _, r := range rows {
		amount, err := parseAmount(r.Amount)
		if err != nil {
			return nil, err
		}
		out = append(out, Payout{
			ID:        r.ID,
			SessionID: r.SessionID,
			Address:   r.Address,
			Amount:    amount,
			CreatedAt: time.Unix(r.CreatedAtUnix, 0).UTC(),
		})
	}
	return out, nil
}

// SessionTotal returns the sum of a session's journaled payouts
func (l *Ledger) SessionTotal(ctx context.Context, sessionID string) (sdkmath.Int, error) {
	payouts, err := l.Payouts(ctx, sessionID)
	if err != nil {
		return sdkmath.Int{}, err
	}
	total := sdkmath.ZeroInt()
	for _, p := range payouts {
		total = total.Add(p.Amount)
	}
	return total, nil
}

// DeadLetter stores p, replacing an earlier record with the same id
func (l *Ledger) DeadLetter(ctx context.Context, p PendingDistribution) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO dead_letter (id, distribution_id, session_id, node_id, amount, retries, last_error, created_at_unix, dead_at_unix)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   retries=excluded.retries,
		   last_error=excluded.last_error,
		   dead_at_unix=excluded.dead_at_unix`,
		p.ID, p.DistributionID, p.SessionID, p.NodeID, p.Amount.String(), p.Retries, p.LastError,
		p.CreatedAt.Unix(), l.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert dead_letter: %w", err)
	}
	return nil
}

// DeadLetters returns the stored dead letters, oldest first
func (l *Ledger) DeadLetters(ctx context.Context) ([]PendingDistribution, error) {
	var rows []struct {
		ID             string  `db:"id"`
		DistributionID string  `db:"distribution_id"`
		SessionID      string  `db:"session_id"`
		NodeID         string  `db:"node_id"`
		Amount         string  `db:"amount"`
		Retries        int     `db:"retries"`
		LastError      *string `db:"last_error"`
		CreatedAtUnix  int64   `db:"created_at_unix"`
		DeadAtUnix     int64   `db:"dead_at_unix"`
	}
	err := l.db.SelectContext(ctx, &rows,
		`SELECT id, distribution_id, session_id, node_id, amount, retries, last_error, created_at_unix, dead_at_unix
		 FROM dead_letter ORDER BY dead_at_unix, id`)
	if err != nil {
		return nil, fmt.Errorf("query dead_letter: %w", err)
	}

	out := make([]PendingDistribution, 0, len(rows))
	for _, r := range rows {
		amount, err := parseAmount(r.Amount)
		if err != nil {
			return nil, err
		}
		p := PendingDistribution{
			ID:             r.ID,
			DistributionID: r.DistributionID,
			SessionID:      r.SessionID,
			NodeID:         r.NodeID,
			Amount:         amount,
			Retries:        r.Retries,
			CreatedAt:      time.Unix(r.CreatedAtUnix, 0).UTC(),
			LastAttempt:    time.Unix(r.DeadAtUnix, 0).UTC(),
		}
		if r.LastError != nil {
			p.LastError = *r.LastError
		}
		out = append(out, p)
	}
	return out, nil
}

func parseAmount(s string) (sdkmath.Int, error) {
	amount, ok := sdkmath.NewIntFromString(s)
	if !ok {
		return sdkmath.Int{}, fmt.Errorf("corrupt amount %q in ledger", s)
	}
	return amount, nil
}
