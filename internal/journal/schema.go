package journal

// Schema creates the journal table. Every statement is idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS trade_transitions (
		id            UUID PRIMARY KEY,
		trade_id      BIGINT NOT NULL,
		card_id       BIGINT NOT NULL,
		from_status   TEXT NOT NULL,
		to_status     TEXT NOT NULL,
		from_cancel   TEXT NOT NULL,
		to_cancel     TEXT NOT NULL,
		source        TEXT NOT NULL,
		applied_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS trade_transitions_trade_id_idx
		ON trade_transitions (trade_id, applied_at)`,
}

const insertTransition = `
	INSERT INTO trade_transitions
		(id, trade_id, card_id, from_status, to_status, from_cancel, to_cancel, source, applied_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (id) DO NOTHING
`
