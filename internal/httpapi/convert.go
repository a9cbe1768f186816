package httpapi

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/condominio/portero/internal/portero/session"
	"github.com/condominio/portero/internal/portero/store"
	"github.com/condominio/portero/internal/portero/types"
)

func snapshotView(snap session.Snapshot, now time.Time) types.SnapshotView {
	v := types.SnapshotView{
		Busy:       snap.Busy,
		Message:    snap.Message,
		ServerTime: now.UTC().Format(time.RFC3339Nano),
	}
	if s := snap.Session; s != nil {
		v.Session = &types.SessionView{
			ID:               s.ID,
			Kind:             string(s.Kind),
			Plate:            s.Plate,
			RemainingSeconds: s.RemainingSeconds,
			Remaining:        s.Remaining(),
			OpenedAt:         s.OpenedAt.UTC().Format(time.RFC3339),
		}
	}
	return v
}

// snapshotStruct is the protobuf rendering of a SnapshotView, field for
// field.
func snapshotStruct(v types.SnapshotView) (*structpb.Struct, error) {
	fields := map[string]interface{}{
		"session":     nil,
		"busy":        v.Busy,
		"message":     v.Message,
		"server_time": v.ServerTime,
	}
	if s := v.Session; s != nil {
		fields["session"] = map[string]interface{}{
			"id":                s.ID,
			"kind":              s.Kind,
			"plate":             s.Plate,
			"remaining_seconds": s.RemainingSeconds,
			"remaining":         s.Remaining,
			"opened_at":         s.OpenedAt,
		}
	}
	return structpb.NewStruct(fields)
}

func eventView(rec store.AccessEventRecord) types.EventView {
	return types.EventView{
		SessionID:  rec.SessionID,
		Kind:       rec.Kind,
		Action:     rec.Action,
		Automatic:  rec.Automatic,
		OK:         rec.OK,
		Plate:      rec.Plate,
		Message:    rec.Message,
		OccurredAt: rec.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
}
