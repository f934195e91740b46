package model

import "time"

// SweepRun is the outcome of one sweeper invocation, stored in ClickHouse.
type SweepRun struct {
	ID         string    `db:"id"`
	Sweeper    string    `db:"sweeper"` // expiration|removal
	StartedAt  time.Time `db:"started_at"`
	FinishedAt time.Time `db:"finished_at"`
	Pages      int       `db:"pages"`
	Processed  int       `db:"processed"`
	Renewed    int       `db:"renewed"`
	Suspended  int       `db:"suspended"`
	Disabled   int       `db:"disabled"`
	Removed    int       `db:"removed"`
	Skipped    int       `db:"skipped"`
	Conflicts  int       `db:"conflicts"`
	Failed     int       `db:"failed"`
	Error      string    `db:"error"`
}
