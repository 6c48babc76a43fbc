package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/icsimport"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/model"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/schederr"
)

const BusyImportedTopic = "calendar.busy.imported.v1"

// BusyEvent announces external busy time. Either Start/End describe a single period, or
// Calendar carries an iCalendar body whose events are imported over the rolling horizon.
type BusyEvent struct {
	ProfessionalID string    `json:"professional_id"`
	ExternalID     string    `json:"external_id"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Reason         string    `json:"reason"`
	Cancelled      bool      `json:"cancelled"`
	Calendar       string    `json:"calendar"`
	Timezone       string    `json:"timezone"`
}

type BlockedPeriodWriter interface {
	UpsertBlockedPeriod(ctx context.Context, bp *model.BlockedPeriod) error
}

// BusyImportHandler upserts blocked periods keyed by professional and external id, so a
// replayed or updated announcement rewrites the same row. Cancelled announcements deactivate it.
func BusyImportHandler(store BlockedPeriodWriter, importer *icsimport.Importer, horizon time.Duration, now func() time.Time) Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		var evt BusyEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			return fmt.Errorf("%w: decode busy event: %v", schederr.ErrInvalidArgument, err)
		}
		if evt.Calendar != "" {
			start := now().UTC()
			res, err := importer.Import([]byte(evt.Calendar), icsimport.Options{
				ProfessionalID: evt.ProfessionalID,
				Window:         model.Interval{Start: start, End: start.Add(horizon)},
				Zone:           evt.Timezone,
			})
			if err != nil {
				return err
			}
			for i := range res.Periods {
				if err := store.UpsertBlockedPeriod(ctx, &res.Periods[i]); err != nil {
					return err
				}
			}
			return nil
		}

		if evt.ProfessionalID == "" || evt.ExternalID == "" {
			return fmt.Errorf("%w: busy event needs professional_id and external_id", schederr.ErrInvalidArgument)
		}
		bp := model.BlockedPeriod{
			ProfessionalID: evt.ProfessionalID,
			Start:          evt.Start.UTC(),
			End:            evt.End.UTC(),
			Reason:         evt.Reason,
			Active:         !evt.Cancelled,
			Source:         model.BlockImport,
			ExternalID:     evt.ExternalID,
		}
		if !bp.Interval().Valid() {
			return fmt.Errorf("%w: busy event %s ends before it starts", schederr.ErrInvalidArgument, evt.ExternalID)
		}
		return store.UpsertBlockedPeriod(ctx, &bp)
	}
}
