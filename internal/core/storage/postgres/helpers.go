package postgres

import (
	"fmt"

	"github.com/aevon-lab/queuewatch/internal/jobevents"
)

type scanner interface {
	Scan(dest ...any) error
}

// scanEventRow scans one job_events row. Compatible with both sql.Row and sql.Rows.
func scanEventRow(row scanner) (jobevents.Event, error) {
	var (
		e   jobevents.Event
		typ string
	)
	err := row.Scan(
		&e.Queue,
		&e.JobID,
		&e.JobName,
		&typ,
		&e.Offset.Ms,
		&e.Offset.Seq,
		&e.Timestamp,
	)
	if err != nil {
		return jobevents.Event{}, fmt.Errorf("failed to scan job event row: %w", err)
	}
	e.Type = jobevents.Type(typ)
	e.Timestamp = e.Timestamp.UTC()
	return e, nil
}
