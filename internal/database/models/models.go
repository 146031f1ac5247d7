package models

import "time"

// CallRecord is an archived call session.
type CallRecord struct {
	ID         string     `json:"call_id"`
	BankID     string     `json:"bank_id"`
	LineID     string     `json:"line_id"`
	Address    string     `json:"address"`
	Kind       string     `json:"type"`
	Direction  string     `json:"direction"`
	Status     string     `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	StartTime  time.Time  `json:"start_time"`
	AnswerTime *time.Time `json:"answer_time,omitempty"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	DurationMS int64      `json:"duration_ms"`
}
