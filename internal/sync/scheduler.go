package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/ingest"
	"github.com/nhle/mailsync/internal/metrics"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/store"
)

// ErrStopped is returned by SyncFolder when a stop request was honoured
// between two messages.
var ErrStopped = errors.New("sync stopped")

// Parser turns a raw payload into a normalized record.
type Parser interface {
	Parse(payload model.RawMessagePayload) (*model.MessageRecord, error)
}

// FolderSyncer runs one sync pass over a folder.
type FolderSyncer interface {
	SyncFolder(ctx context.Context, conn source.Conn, pass FolderPass) (SyncResult, error)
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Cursors    store.CursorStore
	Deliveries store.DeliveryLog
	Sink       ingest.Sink
	Parser     Parser

	// Lookback bounds the initial backfill. Zero means 30 days.
	Lookback time.Duration

	// BatchSize is the number of bodies fetched per round trip. Zero
	// means 50.
	BatchSize int

	// MaxDeliveryAttempts before a message is quarantined. Zero means 3.
	MaxDeliveryAttempts int

	// Now overrides the clock in tests.
	Now func() time.Time
}

// FolderPass describes one sync pass.
type FolderPass struct {
	AccountID string
	Folder    string

	// Stopped is polled between messages.
	Stopped func() bool

	// OnBatch is called after every batch with the number of records
	// forwarded in it.
	OnBatch func(forwarded int)

	// OnError reports message-scoped failures.
	OnError func(err error)

	Log zerolog.Logger
}

// SyncResult summarizes a sync pass.
type SyncResult struct {
	Folder      string
	Backfill    bool
	Candidates  int
	Forwarded   int
	Skipped     int
	Quarantined int
	Pending     int
	LastUID     uint32
}

// Scheduler decides what to fetch for a folder, fetches it oldest first
// and moves the folder cursor forward as messages are handed off.
type Scheduler struct {
	cfg SchedulerConfig
}

// NewScheduler creates a Scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Lookback <= 0 {
		cfg.Lookback = 30 * 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxDeliveryAttempts <= 0 {
		cfg.MaxDeliveryAttempts = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{cfg: cfg}
}

// folderRun is the bookkeeping of one SyncFolder call.
type folderRun struct {
	pass        FolderPass
	uidValidity uint32
	backfill    bool
	cutoff      time.Time
	base        uint32
	candidates  []uint32 // ascending
	done        map[uint32]bool
	newest      time.Time
	result      SyncResult
}

// SyncFolder selects pass.Folder and forwards every message newer than
// the folder cursor. Connection and protocol errors are returned as is;
// message-scoped failures are reported through pass.OnError and never
// abort the pass.
func (s *Scheduler) SyncFolder(ctx context.Context, conn source.Conn, pass FolderPass) (SyncResult, error) {
	if pass.Stopped == nil {
		pass.Stopped = func() bool { return false }
	}
	log := pass.Log.With().Str("folder", pass.Folder).Logger()
	pass.Log = log

	status, err := conn.Select(ctx, pass.Folder)
	if err != nil {
		return SyncResult{Folder: pass.Folder}, err
	}

	cur, err := s.cfg.Cursors.GetCursor(ctx, pass.AccountID, pass.Folder)
	if err != nil {
		return SyncResult{Folder: pass.Folder}, fmt.Errorf("loading cursor: %w", err)
	}
	if cur != nil && cur.UIDValidity != status.UIDValidity {
		log.Warn().
			Uint32("old_uid_validity", cur.UIDValidity).
			Uint32("uid_validity", status.UIDValidity).
			Msg("UIDVALIDITY changed, resyncing folder")
		if err := s.cfg.Cursors.ResetCursor(ctx, pass.AccountID, pass.Folder, status.UIDValidity); err != nil {
			return SyncResult{Folder: pass.Folder}, fmt.Errorf("resetting cursor: %w", err)
		}
		cur = nil
	}

	run := &folderRun{
		pass:        pass,
		uidValidity: status.UIDValidity,
		backfill:    cur == nil || cur.LastUID == 0,
		cutoff:      s.cfg.Now().Add(-s.cfg.Lookback),
		done:        make(map[uint32]bool),
	}
	if cur != nil {
		run.base = cur.LastUID
	}
	run.result = SyncResult{Folder: pass.Folder, Backfill: run.backfill, LastUID: run.base}

	mode := "incremental"
	if run.backfill {
		mode = "backfill"
	}
	start := time.Now()
	defer func() {
		metrics.FetchDuration.WithLabelValues(pass.AccountID, mode).Observe(time.Since(start).Seconds())
	}()

	query := source.Query{AfterUID: run.base}
	if run.backfill {
		query = source.Query{Since: run.cutoff}
	}
	uids, err := conn.Search(ctx, query)
	if err != nil {
		return run.result, err
	}

	// A UID range n:* always matches the newest message, even below n.
	for _, uid := range uids {
		if uid > run.base {
			run.candidates = append(run.candidates, uid)
		}
	}
	sort.Slice(run.candidates, func(i, j int) bool { return run.candidates[i] < run.candidates[j] })
	run.result.Candidates = len(run.candidates)

	if len(run.candidates) > 0 {
		ordered, err := s.order(ctx, conn, run)
		if err != nil {
			return run.result, err
		}

		for i := 0; i < len(ordered); i += s.cfg.BatchSize {
			if pass.Stopped() {
				return run.result, ErrStopped
			}
			end := min(i+s.cfg.BatchSize, len(ordered))
			stopped, err := s.runBatch(ctx, conn, run, ordered[i:end])
			if err != nil {
				return run.result, err
			}
			if stopped {
				return run.result, ErrStopped
			}
		}
	}

	// Nothing in the lookback window is pending, so later syncs only need
	// to look past everything that existed at select time.
	if run.backfill && run.result.Pending == 0 && status.UIDNext > 1 {
		if err := s.advance(ctx, run, status.UIDNext-1); err != nil {
			return run.result, err
		}
	}

	log.Debug().
		Bool("backfill", run.backfill).
		Int("candidates", run.result.Candidates).
		Int("forwarded", run.result.Forwarded).
		Int("skipped", run.result.Skipped).
		Int("pending", run.result.Pending).
		Uint32("last_uid", run.result.LastUID).
		Msg("folder synced")

	return run.result, nil
}

// order fetches lightweight metadata and returns the candidate UIDs
// sorted oldest first. Messages that vanished or fall outside the
// backfill window are marked done.
func (s *Scheduler) order(ctx context.Context, conn source.Conn, run *folderRun) ([]uint32, error) {
	metas, err := conn.FetchMeta(ctx, run.candidates)
	if err != nil {
		return nil, err
	}

	seen := make(map[uint32]bool, len(metas))
	kept := make([]source.MessageMeta, 0, len(metas))
	for _, m := range metas {
		if m.UID <= run.base || seen[m.UID] {
			continue
		}
		seen[m.UID] = true
		if run.backfill && m.SortTime().Before(run.cutoff) {
			run.done[m.UID] = true
			run.result.Skipped++
			continue
		}
		kept = append(kept, m)
	}
	for _, uid := range run.candidates {
		if !seen[uid] {
			run.done[uid] = true
		}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		ti, tj := kept[i].SortTime(), kept[j].SortTime()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return kept[i].UID < kept[j].UID
	})

	ordered := make([]uint32, len(kept))
	for i, m := range kept {
		ordered[i] = m.UID
	}
	return ordered, nil
}

// runBatch fetches and forwards one batch in the given order, then
// advances the cursor. It reports true when a stop request interrupted
// the batch.
func (s *Scheduler) runBatch(ctx context.Context, conn source.Conn, run *folderRun, batch []uint32) (bool, error) {
	payloads := make(map[uint32]model.RawMessagePayload, len(batch))
	err := conn.FetchRaw(ctx, batch, func(p model.RawMessagePayload) error {
		p.AccountID = run.pass.AccountID
		p.UIDValidity = run.uidValidity
		payloads[p.UID] = p
		return nil
	})
	if err != nil {
		return false, err
	}

	forwarded, stopped := 0, false
	for _, uid := range batch {
		if run.pass.Stopped() {
			stopped = true
			break
		}
		p, ok := payloads[uid]
		if !ok {
			// Expunged between SEARCH and FETCH.
			run.done[uid] = true
			continue
		}
		if s.forward(ctx, run, p) {
			forwarded++
		}
	}

	if err := s.advance(ctx, run, run.watermark()); err != nil {
		return stopped, err
	}
	if run.pass.OnBatch != nil {
		run.pass.OnBatch(forwarded)
	}
	return stopped, nil
}

// forward parses and delivers one payload. It reports whether the record
// reached the sink.
func (s *Scheduler) forward(ctx context.Context, run *folderRun, p model.RawMessagePayload) bool {
	log := run.pass.Log.With().Uint32("uid", p.UID).Logger()

	rec, err := s.cfg.Parser.Parse(p)
	if err != nil {
		log.Warn().Err(err).Msg("skipping unparseable message")
		run.report(err)
		run.done[p.UID] = true
		run.result.Skipped++
		return false
	}
	if run.backfill && rec.Timestamp.Before(run.cutoff) {
		run.done[p.UID] = true
		run.result.Skipped++
		return false
	}

	if err := s.cfg.Sink.Upsert(ctx, rec); err != nil {
		ingestErr := &source.IngestError{RecordID: rec.ID, Err: err}
		run.report(ingestErr)

		attempts, quarantined, logErr := s.cfg.Deliveries.RecordFailure(ctx, store.DeliveryFailure{
			AccountID:   run.pass.AccountID,
			Folder:      run.pass.Folder,
			UIDValidity: run.uidValidity,
			UID:         p.UID,
			RecordID:    rec.ID,
			Reason:      err.Error(),
		}, s.cfg.MaxDeliveryAttempts)
		switch {
		case logErr != nil:
			log.Error().Err(logErr).Msg("recording delivery failure")
			run.result.Pending++
		case quarantined:
			log.Error().Err(ingestErr).Int("attempts", attempts).Msg("message quarantined")
			run.done[p.UID] = true
			run.result.Quarantined++
		default:
			log.Warn().Err(ingestErr).Int("attempts", attempts).Msg("delivery failed, will retry")
			run.result.Pending++
		}
		return false
	}

	if err := s.cfg.Deliveries.ClearFailure(ctx, run.pass.AccountID, run.pass.Folder, run.uidValidity, p.UID); err != nil {
		log.Warn().Err(err).Msg("clearing delivery failure")
	}
	run.done[p.UID] = true
	run.result.Forwarded++
	if rec.Timestamp.After(run.newest) {
		run.newest = rec.Timestamp
	}
	metrics.MessagesForwarded.WithLabelValues(run.pass.AccountID, run.pass.Folder).Inc()
	return true
}

// advance writes the cursor when uid or the newest timestamp moved.
func (s *Scheduler) advance(ctx context.Context, run *folderRun, uid uint32) error {
	if uid <= run.result.LastUID && run.newest.IsZero() {
		return nil
	}
	uid = max(uid, run.result.LastUID)

	_, err := s.cfg.Cursors.AdvanceCursor(ctx, store.Cursor{
		AccountID:     run.pass.AccountID,
		Folder:        run.pass.Folder,
		UIDValidity:   run.uidValidity,
		LastUID:       uid,
		LastTimestamp: run.newest,
	})
	if err != nil {
		return fmt.Errorf("advancing cursor: %w", err)
	}
	run.result.LastUID = uid
	return nil
}

// watermark is the highest UID at or below which every candidate is done.
func (r *folderRun) watermark() uint32 {
	mark := r.base
	for _, uid := range r.candidates {
		if !r.done[uid] {
			break
		}
		mark = uid
	}
	return mark
}

func (r *folderRun) report(err error) {
	if r.pass.OnError != nil {
		r.pass.OnError(err)
	}
}
