// Package memstore is an in-process storage.Store. Row locks are per-row channels that honour
// context cancellation; writes apply immediately and are undone on rollback, so a transaction
// reads its own writes. Constraints that Postgres checks at insert time are checked here too.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/conflict"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/model"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/outbox"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/schederr"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/storage"
)

var ErrTxDone = errors.New("transaction already committed or rolled back")

type slotKey struct {
	configID string
	start    int64
}

type outboxRow struct {
	record    outbox.Record
	published bool
}

type Store struct {
	mu sync.Mutex

	configs      map[string]model.AvailabilityConfig
	slots        map[string]model.Slot
	slotIndex    map[slotKey]string
	appointments map[string]model.Appointment
	blocked      map[string]model.BlockedPeriod
	idempotency  map[string]storage.IdempotencyRecord
	events       []outboxRow
	nextEventID  int64

	locks map[string]chan struct{}

	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		configs:      map[string]model.AvailabilityConfig{},
		slots:        map[string]model.Slot{},
		slotIndex:    map[slotKey]string{},
		appointments: map[string]model.Appointment{},
		blocked:      map[string]model.BlockedPeriod{},
		idempotency:  map[string]storage.IdempotencyRecord{},
		locks:        map[string]chan struct{}{},
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Events returns every event enqueued by a committed or still open transaction.
func (s *Store) Events() []outbox.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]outbox.Record, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.record)
	}
	return out
}

func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &tx{store: s}, nil
}

func (s *Store) GetConfig(_ context.Context, id string) (model.AvailabilityConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[id]
	if !ok {
		return model.AvailabilityConfig{}, notFound("config", id)
	}
	return cfg, nil
}

func (s *Store) UpsertConfig(_ context.Context, cfg *model.AvailabilityConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if prev, ok := s.configs[cfg.ID]; ok {
		cfg.CreatedAt = prev.CreatedAt
	} else {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	s.configs[cfg.ID] = *cfg
	return nil
}

func (s *Store) DisableConfig(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[id]
	if !ok {
		return notFound("config", id)
	}
	cfg.Active = false
	cfg.UpdatedAt = s.now()
	s.configs[id] = cfg
	return nil
}

func (s *Store) ListActiveConfigs(_ context.Context) ([]model.AvailabilityConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AvailabilityConfig
	for _, cfg := range s.configs {
		if cfg.Active {
			out = append(out, cfg)
		}
	}
	slices.SortFunc(out, func(a, b model.AvailabilityConfig) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *Store) GetSlot(_ context.Context, id string) (model.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[id]
	if !ok {
		return model.Slot{}, notFound("slot", id)
	}
	return slot, nil
}

func (s *Store) ListSlots(_ context.Context, q storage.SlotQuery) ([]model.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listSlots(q), nil
}

func (s *Store) UpsertBlockedPeriod(_ context.Context, bp *model.BlockedPeriod) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bp.Source == "" {
		bp.Source = model.BlockManual
	}
	if bp.ExternalID != "" {
		for id, existing := range s.blocked {
			if existing.ProfessionalID == bp.ProfessionalID && existing.ExternalID == bp.ExternalID {
				bp.ID = id
				bp.CreatedAt = existing.CreatedAt
				s.blocked[id] = *bp
				return nil
			}
		}
	}
	if bp.ID == "" {
		bp.ID = uuid.NewString()
	}
	bp.CreatedAt = s.now()
	s.blocked[bp.ID] = *bp
	return nil
}

func (s *Store) GetAppointment(_ context.Context, id string) (model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	appt, ok := s.appointments[id]
	if !ok {
		return model.Appointment{}, notFound("appointment", id)
	}
	return appt, nil
}

func (s *Store) ListBlockingAppointments(_ context.Context, professionalID string, span model.Interval) ([]model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blockingAppointments(professionalID, span), nil
}

func (s *Store) ListActiveBlockedPeriods(_ context.Context, professionalID string, span model.Interval) ([]model.BlockedPeriod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeBlocked(professionalID, span), nil
}

func (s *Store) DrainOutbox(ctx context.Context, limit int, send func(context.Context, []outbox.Record) error) (int, error) {
	s.mu.Lock()
	var (
		idx     []int
		records []outbox.Record
	)
	for i, e := range s.events {
		if len(records) == limit {
			break
		}
		if !e.published {
			idx = append(idx, i)
			records = append(records, e.record)
		}
	}
	s.mu.Unlock()

	if len(records) == 0 {
		return 0, nil
	}
	if err := send(ctx, records); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, i := range idx {
		s.events[i].published = true
	}
	return len(records), nil
}

func (s *Store) listSlots(q storage.SlotQuery) []model.Slot {
	var out []model.Slot
	for _, slot := range s.slots {
		if q.ConfigID != "" && slot.ConfigID != q.ConfigID {
			continue
		}
		if q.ProfessionalID != "" && slot.ProfessionalID != q.ProfessionalID {
			continue
		}
		if !q.From.IsZero() && slot.Start.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && !slot.Start.Before(q.To) {
			continue
		}
		if q.Status != "" && slot.Status != q.Status {
			continue
		}
		out = append(out, slot)
	}
	slices.SortFunc(out, func(a, b model.Slot) int { return a.Start.Compare(b.Start) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func (s *Store) blockingAppointments(professionalID string, span model.Interval) []model.Appointment {
	var out []model.Appointment
	for _, a := range s.appointments {
		if a.ProfessionalID == professionalID && a.Status.Blocking() && conflict.Overlaps(a.Interval(), span) {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b model.Appointment) int { return a.Start.Compare(b.Start) })
	return out
}

func (s *Store) activeBlocked(professionalID string, span model.Interval) []model.BlockedPeriod {
	var out []model.BlockedPeriod
	for _, b := range s.blocked {
		if b.ProfessionalID == professionalID && b.Active && conflict.Overlaps(b.Interval(), span) {
			out = append(out, b)
		}
	}
	slices.SortFunc(out, func(a, b model.BlockedPeriod) int { return a.Start.Compare(b.Start) })
	return out
}

func (s *Store) lockFor(key string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	return ch
}

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", schederr.ErrNotFound, kind, id)
}
