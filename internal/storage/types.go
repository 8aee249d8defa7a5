package storage

import (
	"time"
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): DSN is a file path or "file::memory:?cache=shared"
//   - "postgres": DSN is a libpq URL or key=value string
type Config struct {
	Driver       string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means driver default
}

// CampaignFilter narrows ListCampaigns. Zero values match everything.
type CampaignFilter struct {
	Status    string
	CreatorID int64
	Limit     int
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
