package postgres

// SQL for the job event archive

const (
	// queryInsertEvent archives one transition. Re-archiving the same stream entry is a no-op.
	queryInsertEvent = `
		INSERT INTO job_events (
			host, queue, job_id, job_name, event_type,
			offset_ms, offset_seq, occurred_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (host, queue, offset_ms, offset_seq) DO NOTHING
	`

	// queryReadAfter pages one queue's history in stream order.
	queryReadAfter = `
		SELECT
			queue, job_id, job_name, event_type, offset_ms, offset_seq, occurred_at
		FROM job_events
		WHERE host = $1
		  AND queue = $2
		  AND (offset_ms, offset_seq) > ($3, $4)
		ORDER BY offset_ms ASC, offset_seq ASC
		LIMIT $5
	`

	queryPruneBefore = `
		DELETE FROM job_events
		WHERE host = $1
		  AND occurred_at < $2
	`

	queryTableExists = `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_name = 'job_events'
		)
	`
)
