package sync

import (
	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/metrics"
)

// Observe consumes events until the channel is closed, recording
// Prometheus metrics and debug logs for each.
func Observe(events <-chan Event, log zerolog.Logger) {
	for e := range events {
		record(e)

		ev := log.Debug().
			Str("account", e.AccountID).
			Str("kind", string(e.Kind))
		if e.Folder != "" {
			ev = ev.Str("folder", e.Folder)
		}
		switch e.Kind {
		case EventStateChanged:
			ev = ev.Stringer("state", e.State)
		case EventFetchBatch, EventBackfillComplete:
			ev = ev.Int("count", e.Count)
		case EventError:
			ev = ev.Str("error_kind", string(e.ErrKind)).Str("error", e.Message)
		}
		ev.Msg("session event")
	}
}

func record(e Event) {
	metrics.SessionEvents.WithLabelValues(e.AccountID, string(e.Kind)).Inc()

	switch e.Kind {
	case EventError:
		metrics.SessionErrors.WithLabelValues(e.AccountID, string(e.ErrKind)).Inc()
	case EventStateChanged:
		for _, st := range AllStates() {
			v := 0.0
			if st == e.State {
				v = 1
			}
			metrics.SessionState.WithLabelValues(e.AccountID, st.String()).Set(v)
		}
	}
}
