package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS deposit_history_cache (
	owner TEXT NOT NULL,
	position INTEGER NOT NULL,

	deposit_id TEXT NOT NULL,
	amount NUMERIC NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',

	cached_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	PRIMARY KEY (owner, position),
	CONSTRAINT owner_nonempty CHECK (owner <> ''),
	CONSTRAINT position_nonneg CHECK (position >= 0)
);

CREATE TABLE IF NOT EXISTS deposit_history_owners (
	owner TEXT PRIMARY KEY,
	saved_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
