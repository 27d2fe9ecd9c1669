package monitor

import (
	"context"

	"github.com/nerrad567/gray-logic-upnp/internal/journal"
)

// JournalSink appends monitor events to the SQLite journal.
type JournalSink struct {
	repo journal.Repository
}

// NewJournalSink creates a sink recording into repo.
func NewJournalSink(repo journal.Repository) *JournalSink {
	return &JournalSink{repo: repo}
}

// Name implements Sink.
func (s *JournalSink) Name() string { return "journal" }

// DeviceChanged records the device event.
func (s *JournalSink) DeviceChanged(ctx context.Context, e DeviceEvent) error {
	d := e.Device
	rec := &journal.DeviceEvent{
		Kind:         e.Kind,
		UDN:          d.Identity.UDN.String(),
		FriendlyName: d.Details.FriendlyName,
		Local:        d.Local,
		CreatedAt:    e.At,
	}
	if !d.Type.IsZero() {
		rec.DeviceType = d.Type.String()
	}
	if d.Identity.DescriptorURL != nil {
		rec.Location = d.Identity.DescriptorURL.String()
	}
	return s.repo.RecordDevice(ctx, rec)
}

// SubscriptionChanged records the subscription event.
func (s *JournalSink) SubscriptionChanged(ctx context.Context, e SubscriptionEvent) error {
	return s.repo.RecordSubscription(ctx, &journal.SubscriptionEvent{
		Kind:      e.Kind,
		SID:       e.SID,
		UDN:       e.UDN,
		ServiceID: e.ServiceID,
		Detail:    e.Detail,
		CreatedAt: e.At,
	})
}

// StateReceived records the raw text of every value in one transaction.
func (s *JournalSink) StateReceived(ctx context.Context, e StateEvent) error {
	events := make([]journal.StateEvent, 0, len(e.Values))
	for _, v := range e.Values {
		events = append(events, journal.StateEvent{
			SID:        e.SID,
			UDN:        e.UDN,
			ServiceID:  e.ServiceID,
			Sequence:   e.Sequence,
			Variable:   v.Name,
			Value:      v.Raw,
			ReceivedAt: e.At,
		})
	}
	return s.repo.RecordStates(ctx, events)
}
