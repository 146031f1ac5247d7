package database

import (
	"context"
	"time"

	"github.com/foleys1972/Mobile-trader/internal/bank"
	"github.com/foleys1972/Mobile-trader/internal/call"
	"github.com/foleys1972/Mobile-trader/internal/database/models"
)

// BankRepository persists bank configuration snapshots.
type BankRepository interface {
	bank.Store
}

// CallRecordListFilter holds filtering and pagination for call records.
type CallRecordListFilter struct {
	Limit     int
	Offset    int
	BankID    string
	LineID    string
	Status    string // "ended", "failed", or "" for all
	Direction string // "inbound", "outbound", or "" for all
	StartDate string // UTC, "2006-01-02 15:04:05[.999999999]"
	EndDate   string // UTC, inclusive
}

// CallRecordRepository archives terminated call sessions.
type CallRecordRepository interface {
	call.Archiver
	GetByID(ctx context.Context, id string) (*models.CallRecord, error)
	List(ctx context.Context, filter CallRecordListFilter) ([]models.CallRecord, int, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
}
