package domain

import "time"

// MigrationRecord is the bookkeeping row for one applied schema version.
type MigrationRecord struct {
	Version   int64
	Name      string
	AppliedAt time.Time
	Checksum  string
}
