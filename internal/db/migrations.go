package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaSQL = `
CREATE EXTENSION IF NOT EXISTS btree_gist;

CREATE TABLE IF NOT EXISTS patients (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	email TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS providers (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	specialty TEXT,
	timezone TEXT NOT NULL DEFAULT 'UTC',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS weekly_windows (
	id UUID PRIMARY KEY,
	provider_id UUID NOT NULL REFERENCES providers(id) ON DELETE CASCADE,
	weekday SMALLINT NOT NULL CHECK (weekday BETWEEN 0 AND 6),
	start_min SMALLINT NOT NULL CHECK (start_min >= 0),
	end_min SMALLINT NOT NULL CHECK (end_min <= 1440),
	active BOOLEAN NOT NULL DEFAULT true,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK (start_min < end_min)
);

CREATE INDEX IF NOT EXISTS idx_weekly_windows_provider ON weekly_windows(provider_id) WHERE active;

CREATE TABLE IF NOT EXISTS bookings (
	id UUID PRIMARY KEY,
	patient_id UUID NOT NULL REFERENCES patients(id),
	provider_id UUID NOT NULL REFERENCES providers(id),
	scheduled_start TIMESTAMPTZ NOT NULL,
	duration_min INTEGER NOT NULL CHECK (duration_min > 0),
	status TEXT NOT NULL CHECK (status IN ('scheduled', 'confirmed', 'in_progress', 'completed', 'cancelled')),
	payment_status TEXT NOT NULL CHECK (payment_status IN ('pending', 'paid', 'waived', 'failed')),
	amount_minor BIGINT NOT NULL DEFAULT 0,
	currency TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT bookings_no_overlap EXCLUDE USING gist (
		provider_id WITH =,
		tstzrange(scheduled_start, scheduled_start + make_interval(mins => duration_min)) WITH &&
	) WHERE (status IN ('scheduled', 'confirmed', 'in_progress'))
);

CREATE INDEX IF NOT EXISTS idx_bookings_provider_start ON bookings(provider_id, scheduled_start);
CREATE INDEX IF NOT EXISTS idx_bookings_patient ON bookings(patient_id, scheduled_start DESC);

CREATE TABLE IF NOT EXISTS booking_events (
	id BIGSERIAL PRIMARY KEY,
	event_type TEXT NOT NULL,
	booking_id UUID REFERENCES bookings(id),
	payload JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate applies the schema. The bookings_no_overlap exclusion constraint
// is what makes the database the final arbiter on double bookings.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
