package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kairos-labs/slotkeeper/libs/db"
	otelx "github.com/kairos-labs/slotkeeper/libs/otel"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/model"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/outbox"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/schederr"
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Postgres struct {
	pool *db.Pool
}

func NewPostgres(pool *db.Pool) *Postgres {
	return &Postgres{pool: pool}
}

var _ Store = (*Postgres)(nil)

func (p *Postgres) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx}, nil
}

const slotColumns = `id::text, COALESCE(config_id::text, ''), professional_id, start_time, end_time,
	local_start, local_end, timezone, status, COALESCE(booked_by, ''), metadata, created_at, updated_at`

const appointmentColumns = `id::text, professional_id, client_id, COALESCE(slot_id::text, ''), start_time, end_time,
	timezone, status, notes, cancelled_at, COALESCE(cancelled_by, ''), COALESCE(cancel_reason, ''),
	metadata, created_at, updated_at`

const blockedColumns = `id::text, professional_id, start_time, end_time, reason, active, source, external_id, created_at`

func (p *Postgres) GetConfig(ctx context.Context, id string) (model.AvailabilityConfig, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id::text, document, active, created_at, updated_at
		FROM availability_configs
		WHERE id = $1
	`, id)
	cfg, err := scanConfig(row)
	if err != nil {
		return model.AvailabilityConfig{}, mapNotFound(err, "config", id)
	}
	return cfg, nil
}

func (p *Postgres) UpsertConfig(ctx context.Context, cfg *model.AvailabilityConfig) error {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	doc := model.DocumentOf(*cfg)
	doc.ID = ""
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return p.pool.QueryRow(ctx, `
		INSERT INTO availability_configs (id, professional_id, active, document)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET professional_id = EXCLUDED.professional_id,
			active = EXCLUDED.active,
			document = EXCLUDED.document,
			updated_at = now()
		RETURNING created_at, updated_at
	`, cfg.ID, cfg.ProfessionalID, cfg.Active, body).Scan(&cfg.CreatedAt, &cfg.UpdatedAt)
}

func (p *Postgres) DisableConfig(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE availability_configs
		SET active = false, updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return mapNotFound(err, "config", id)
	}
	if tag.RowsAffected() == 0 {
		return notFound("config", id)
	}
	return nil
}

func (p *Postgres) ListActiveConfigs(ctx context.Context) ([]model.AvailabilityConfig, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id::text, document, active, created_at, updated_at
		FROM availability_configs
		WHERE active
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AvailabilityConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (p *Postgres) GetSlot(ctx context.Context, id string) (model.Slot, error) {
	slot, err := scanSlot(p.pool.QueryRow(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = $1`, id))
	if err != nil {
		return model.Slot{}, mapNotFound(err, "slot", id)
	}
	return slot, nil
}

func (p *Postgres) ListSlots(ctx context.Context, q SlotQuery) ([]model.Slot, error) {
	return listSlots(ctx, p.pool, q)
}

func (p *Postgres) UpsertBlockedPeriod(ctx context.Context, bp *model.BlockedPeriod) error {
	if bp.ID == "" {
		bp.ID = uuid.NewString()
	}
	if bp.Source == "" {
		bp.Source = model.BlockManual
	}
	if bp.ExternalID == "" {
		return p.pool.QueryRow(ctx, `
			INSERT INTO blocked_periods (id, professional_id, start_time, end_time, reason, active, source)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING created_at
		`, bp.ID, bp.ProfessionalID, bp.Start, bp.End, bp.Reason, bp.Active, string(bp.Source)).Scan(&bp.CreatedAt)
	}
	return p.pool.QueryRow(ctx, `
		INSERT INTO blocked_periods (id, professional_id, start_time, end_time, reason, active, source, external_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (professional_id, external_id) WHERE external_id <> '' DO UPDATE
		SET start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			reason = EXCLUDED.reason,
			active = EXCLUDED.active
		RETURNING id::text, created_at
	`, bp.ID, bp.ProfessionalID, bp.Start, bp.End, bp.Reason, bp.Active, string(bp.Source), bp.ExternalID).Scan(&bp.ID, &bp.CreatedAt)
}

func (p *Postgres) GetAppointment(ctx context.Context, id string) (model.Appointment, error) {
	appt, err := scanAppointment(p.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id))
	if err != nil {
		return model.Appointment{}, mapNotFound(err, "appointment", id)
	}
	return appt, nil
}

func (p *Postgres) ListBlockingAppointments(ctx context.Context, professionalID string, span model.Interval) ([]model.Appointment, error) {
	return listBlockingAppointments(ctx, p.pool, professionalID, span)
}

func (p *Postgres) ListActiveBlockedPeriods(ctx context.Context, professionalID string, span model.Interval) ([]model.BlockedPeriod, error) {
	return listActiveBlockedPeriods(ctx, p.pool, professionalID, span)
}

// DrainOutbox locks a batch with SKIP LOCKED so concurrent publishers never send the same row.
func (p *Postgres) DrainOutbox(ctx context.Context, limit int, send func(context.Context, []outbox.Record) error) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, event_id::text, aggregate_type, aggregate_id, event_type, payload,
			COALESCE(traceparent, ''), COALESCE(tracestate, ''), created_at
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return 0, err
	}
	var records []outbox.Record
	for rows.Next() {
		var r outbox.Record
		if err := rows.Scan(&r.ID, &r.EventID, &r.AggregateType, &r.AggregateID, &r.EventType,
			&r.Payload, &r.Traceparent, &r.Tracestate, &r.CreatedAt); err != nil {
			rows.Close()
			return 0, err
		}
		records = append(records, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, tx.Commit(ctx)
	}

	if err := send(ctx, records); err != nil {
		return 0, err
	}
	ids := make([]int64, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	if _, err := tx.Exec(ctx, `UPDATE outbox_events SET published_at = now() WHERE id = ANY($1)`, ids); err != nil {
		return 0, err
	}
	return len(records), tx.Commit(ctx)
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func (t *pgTx) LockSlot(ctx context.Context, id string) (model.Slot, error) {
	slot, err := scanSlot(t.tx.QueryRow(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return model.Slot{}, mapNotFound(err, "slot", id)
	}
	return slot, nil
}

func (t *pgTx) UpdateSlotBooking(ctx context.Context, id string, status model.SlotStatus, bookedBy string) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE slots
		SET status = $2, booked_by = $3, updated_at = now()
		WHERE id = $1
	`, id, string(status), nullable(bookedBy))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("slot", id)
	}
	return nil
}

func (t *pgTx) ListSlots(ctx context.Context, q SlotQuery) ([]model.Slot, error) {
	return listSlots(ctx, t.tx, q)
}

func (t *pgTx) DeleteAvailableSlots(ctx context.Context, configID string, span model.Interval) (int, error) {
	tag, err := t.tx.Exec(ctx, `
		DELETE FROM slots
		WHERE config_id = $1
			AND status = 'available'
			AND start_time >= $2
			AND start_time < $3
	`, configID, span.Start, span.End)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) InsertSlots(ctx context.Context, slots []model.Slot) (int, error) {
	if len(slots) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for i := range slots {
		s := &slots[i]
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		meta, err := s.Metadata.Encode()
		if err != nil {
			return 0, err
		}
		batch.Queue(`
			INSERT INTO slots (id, config_id, professional_id, start_time, end_time, local_start, local_end,
				timezone, status, booked_by, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (config_id, start_time) DO NOTHING
		`, s.ID, nullable(s.ConfigID), s.ProfessionalID, s.Start, s.End, s.LocalStart, s.LocalEnd,
			s.Timezone, string(s.Status), nullable(s.BookedBy), meta)
	}

	results := t.tx.SendBatch(ctx, batch)
	inserted := 0
	for range slots {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return inserted, err
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, results.Close()
}

func (t *pgTx) CreateAppointment(ctx context.Context, appt *model.Appointment) error {
	if appt.ID == "" {
		appt.ID = uuid.NewString()
	}
	meta, err := appt.Metadata.Encode()
	if err != nil {
		return err
	}
	err = t.tx.QueryRow(ctx, `
		INSERT INTO appointments (id, professional_id, client_id, slot_id, start_time, end_time, timezone, status, notes, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`, appt.ID, appt.ProfessionalID, appt.ClientID, nullable(appt.SlotID), appt.Start, appt.End,
		appt.Timezone, string(appt.Status), appt.Notes, meta).Scan(&appt.CreatedAt, &appt.UpdatedAt)
	switch {
	case err == nil:
		return nil
	case IsExclusionViolation(err):
		return fmt.Errorf("insert appointment: %w", ErrExclusion)
	case IsUniqueViolation(err):
		return fmt.Errorf("%w: slot %s already has an active appointment", schederr.ErrSlotUnavailable, appt.SlotID)
	}
	return err
}

func (t *pgTx) LockAppointment(ctx context.Context, id string) (model.Appointment, error) {
	appt, err := scanAppointment(t.tx.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return model.Appointment{}, mapNotFound(err, "appointment", id)
	}
	return appt, nil
}

func (t *pgTx) UpdateAppointment(ctx context.Context, appt *model.Appointment) error {
	err := t.tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
			notes = $3,
			cancelled_at = $4,
			cancelled_by = $5,
			cancel_reason = $6,
			updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, appt.ID, string(appt.Status), appt.Notes, appt.CancelledAt, nullable(appt.CancelledBy),
		nullable(appt.CancelReason)).Scan(&appt.UpdatedAt)
	if err != nil {
		return mapNotFound(err, "appointment", appt.ID)
	}
	return nil
}

func (t *pgTx) LockIdempotencyKey(ctx context.Context, scope, key string) (IdempotencyRecord, bool, error) {
	rec, err := t.selectIdempotencyForUpdate(ctx, scope, key)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return IdempotencyRecord{}, false, err
	}

	if _, err := t.tx.Exec(ctx, `
		INSERT INTO booking_idempotency_keys (scope, idempotency_key)
		VALUES ($1, $2)
		ON CONFLICT (scope, idempotency_key) DO NOTHING
	`, scope, key); err != nil {
		return IdempotencyRecord{}, false, err
	}

	// A concurrent first use may have won the insert; the lock below waits for it.
	rec, err = t.selectIdempotencyForUpdate(ctx, scope, key)
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	return rec, rec.AppointmentID != "", nil
}

func (t *pgTx) FinalizeIdempotency(ctx context.Context, scope, key, appointmentID string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE booking_idempotency_keys
		SET appointment_id = $3, updated_at = now()
		WHERE scope = $1 AND idempotency_key = $2
	`, scope, key, appointmentID)
	return err
}

func (t *pgTx) selectIdempotencyForUpdate(ctx context.Context, scope, key string) (IdempotencyRecord, error) {
	rec := IdempotencyRecord{Scope: scope, Key: key}
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(appointment_id::text, '')
		FROM booking_idempotency_keys
		WHERE scope = $1 AND idempotency_key = $2
		FOR UPDATE
	`, scope, key).Scan(&rec.AppointmentID)
	return rec, err
}

func (t *pgTx) EnqueueEvent(ctx context.Context, evt outbox.Event) error {
	tc := otelx.CaptureTraceContext(ctx)
	_, err := t.tx.Exec(ctx, `
		INSERT INTO outbox_events (aggregate_type, aggregate_id, event_type, payload, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, evt.AggregateType, evt.AggregateID, evt.EventType, evt.Payload, nullable(tc.Parent), nullable(tc.State))
	return err
}

func (t *pgTx) ListBlockingAppointments(ctx context.Context, professionalID string, span model.Interval) ([]model.Appointment, error) {
	return listBlockingAppointments(ctx, t.tx, professionalID, span)
}

func (t *pgTx) ListActiveBlockedPeriods(ctx context.Context, professionalID string, span model.Interval) ([]model.BlockedPeriod, error) {
	return listActiveBlockedPeriods(ctx, t.tx, professionalID, span)
}

func listSlots(ctx context.Context, q querier, query SlotQuery) ([]model.Slot, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if query.ConfigID != "" {
		add("config_id = $%d", query.ConfigID)
	}
	if query.ProfessionalID != "" {
		add("professional_id = $%d", query.ProfessionalID)
	}
	if !query.From.IsZero() {
		add("start_time >= $%d", query.From)
	}
	if !query.To.IsZero() {
		add("start_time < $%d", query.To)
	}
	if query.Status != "" {
		add("status = $%d", string(query.Status))
	}
	sql := `SELECT ` + slotColumns + ` FROM slots`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY start_time"
	if query.Limit > 0 {
		args = append(args, query.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func listBlockingAppointments(ctx context.Context, q querier, professionalID string, span model.Interval) ([]model.Appointment, error) {
	rows, err := q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE professional_id = $1
			AND status <> 'cancelled'
			AND start_time < $3
			AND end_time > $2
		ORDER BY start_time
	`, professionalID, span.Start, span.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func listActiveBlockedPeriods(ctx context.Context, q querier, professionalID string, span model.Interval) ([]model.BlockedPeriod, error) {
	rows, err := q.Query(ctx, `
		SELECT `+blockedColumns+`
		FROM blocked_periods
		WHERE professional_id = $1
			AND active
			AND start_time < $3
			AND end_time > $2
		ORDER BY start_time
	`, professionalID, span.Start, span.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.BlockedPeriod
	for rows.Next() {
		var (
			bp     model.BlockedPeriod
			source string
		)
		if err := rows.Scan(&bp.ID, &bp.ProfessionalID, &bp.Start, &bp.End, &bp.Reason, &bp.Active,
			&source, &bp.ExternalID, &bp.CreatedAt); err != nil {
			return nil, err
		}
		bp.Source = model.BlockSource(source)
		bp.Start, bp.End, bp.CreatedAt = bp.Start.UTC(), bp.End.UTC(), bp.CreatedAt.UTC()
		out = append(out, bp)
	}
	return out, rows.Err()
}

func scanConfig(row pgx.Row) (model.AvailabilityConfig, error) {
	var (
		id        string
		document  []byte
		active    bool
		createdAt time.Time
		updatedAt time.Time
	)
	if err := row.Scan(&id, &document, &active, &createdAt, &updatedAt); err != nil {
		return model.AvailabilityConfig{}, err
	}
	var doc model.ConfigDocument
	if err := json.Unmarshal(document, &doc); err != nil {
		return model.AvailabilityConfig{}, fmt.Errorf("decode config %s: %w", id, err)
	}
	cfg, err := doc.Config()
	if err != nil {
		return model.AvailabilityConfig{}, fmt.Errorf("decode config %s: %w", id, err)
	}
	cfg.ID = id
	cfg.Active = active
	cfg.CreatedAt = createdAt.UTC()
	cfg.UpdatedAt = updatedAt.UTC()
	return cfg, nil
}

func scanSlot(row pgx.Row) (model.Slot, error) {
	var (
		s      model.Slot
		status string
		meta   []byte
	)
	if err := row.Scan(&s.ID, &s.ConfigID, &s.ProfessionalID, &s.Start, &s.End, &s.LocalStart, &s.LocalEnd,
		&s.Timezone, &status, &s.BookedBy, &meta, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return model.Slot{}, err
	}
	md, err := model.DecodeMetadata(meta)
	if err != nil {
		return model.Slot{}, err
	}
	s.Status = model.SlotStatus(status)
	s.Metadata = md
	s.Start, s.End = s.Start.UTC(), s.End.UTC()
	s.CreatedAt, s.UpdatedAt = s.CreatedAt.UTC(), s.UpdatedAt.UTC()
	return s, nil
}

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var (
		a      model.Appointment
		status string
		meta   []byte
	)
	if err := row.Scan(&a.ID, &a.ProfessionalID, &a.ClientID, &a.SlotID, &a.Start, &a.End, &a.Timezone,
		&status, &a.Notes, &a.CancelledAt, &a.CancelledBy, &a.CancelReason, &meta, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return model.Appointment{}, err
	}
	md, err := model.DecodeMetadata(meta)
	if err != nil {
		return model.Appointment{}, err
	}
	a.Status = model.AppointmentStatus(status)
	a.Metadata = md
	a.Start, a.End = a.Start.UTC(), a.End.UTC()
	a.CreatedAt, a.UpdatedAt = a.CreatedAt.UTC(), a.UpdatedAt.UTC()
	if a.CancelledAt != nil {
		at := a.CancelledAt.UTC()
		a.CancelledAt = &at
	}
	return a, nil
}

// mapNotFound also treats a malformed uuid as a missing row.
func mapNotFound(err error, kind, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(kind, id)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
		return notFound(kind, id)
	}
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
