package storage

import (
	"errors"
	"time"
)

var (
	ErrClosed        = errors.New("storage: store closed")
	ErrUnknownDriver = errors.New("storage: unknown driver")
	ErrNoPath        = errors.New("storage: path is required")
)

// Config configures storage. If Driver is empty or "none", storage is
// disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// PassRecord is one persisted frame pass. Seq is assigned by the store and
// grows with every append.
type PassRecord struct {
	Seq       uint64    `json:"seq"`
	At        time.Time `json:"at"`
	Scheduler string    `json:"scheduler"`
	Frame     uint64    `json:"frame"`
	Pending   int       `json:"pending"`
	Ran       int       `json:"ran"`
	Remaining int       `json:"remaining"`
	ElapsedMS int64     `json:"elapsed_ms"`
	BudgetMS  int64     `json:"budget_ms"`
	Skipped   bool      `json:"skipped,omitempty"`
	Yielded   bool      `json:"yielded,omitempty"`
	Drained   bool      `json:"drained,omitempty"`
}
