package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/foleys1972/Mobile-trader/internal/bank"
)

// bankRepo implements BankRepository.
type bankRepo struct {
	db *DB
}

// NewBankRepository creates a new BankRepository.
func NewBankRepository(db *DB) BankRepository {
	return &bankRepo{db: db}
}

// SaveBank inserts or replaces a bank configuration.
func (r *bankRepo) SaveBank(ctx context.Context, b bank.Bank) error {
	config, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encoding bank %s: %w", b.ID, err)
	}
	_, err = r.db.ExecContext(ctx, r.db.rebind(
		`INSERT INTO banks (id, name, config, updated_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT (id) DO UPDATE SET
		 name = excluded.name, config = excluded.config, updated_at = CURRENT_TIMESTAMP`),
		b.ID, b.Name, string(config),
	)
	if err != nil {
		return fmt.Errorf("saving bank %s: %w", b.ID, err)
	}
	return nil
}

// DeleteBank removes a bank configuration. Deleting an unknown bank is not
// an error.
func (r *bankRepo) DeleteBank(ctx context.Context, bankID string) error {
	if _, err := r.db.ExecContext(ctx, r.db.rebind("DELETE FROM banks WHERE id = ?"), bankID); err != nil {
		return fmt.Errorf("deleting bank %s: %w", bankID, err)
	}
	return nil
}

// ListBanks returns every persisted bank ordered by id.
func (r *bankRepo) ListBanks(ctx context.Context) ([]bank.Bank, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id, config FROM banks ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("listing banks: %w", err)
	}
	defer rows.Close()

	var banks []bank.Bank
	for rows.Next() {
		var id, config string
		if err := rows.Scan(&id, &config); err != nil {
			return nil, fmt.Errorf("scanning bank row: %w", err)
		}
		var b bank.Bank
		if err := json.Unmarshal([]byte(config), &b); err != nil {
			return nil, fmt.Errorf("decoding bank %s: %w", id, err)
		}
		banks = append(banks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating bank rows: %w", err)
	}
	return banks, nil
}
