package models

import (
	"time"

	"github.com/guregu/null/v6"
)

// This file contains all the models under the `task` schema

type Operation string

const (
	OpAdd      Operation = "add"
	OpMultiply Operation = "multiply"
)

// Known reports whether the operation is one of the supported kinds
func (o Operation) Known() bool {
	return o == OpAdd || o == OpMultiply
}

type TaskStatus string

const (
	TsPending TaskStatus = "PENDING"
	TsRunning TaskStatus = "RUNNING"
	TsSuccess TaskStatus = "SUCCESS"
	TsFailure TaskStatus = "FAILURE"
	TsRevoked TaskStatus = "REVOKED"
)

// Terminal reports whether the status is final. A record in a terminal
// status never changes again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TsSuccess, TsFailure, TsRevoked:
		return true
	default:
		return false
	}
}

// TaskRecord is a model representing the `task.record` table. It is both the
// unit of work and its lifecycle record.
type TaskRecord struct {
	ID        string      `db:"id" json:"id"`
	Operation Operation   `db:"operation" json:"operation"`
	A         float64     `db:"a" json:"a"`
	B         float64     `db:"b" json:"b"`
	Status    TaskStatus  `db:"status" json:"status"`
	Result    null.Float  `db:"result" json:"result"`
	Error     null.String `db:"error" json:"error"`
	Attempts  int         `db:"attempts" json:"attempts"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt time.Time   `db:"updated_at" json:"updated_at"`
}
