package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
)

type recordingSink struct {
	mu   sync.Mutex
	ids  []string
	fail error
}

func (s *recordingSink) Upsert(_ context.Context, rec *model.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.ids = append(s.ids, rec.ID)
	return nil
}

type fixedClassifier struct {
	label model.Category
	err   error
}

func (c fixedClassifier) Classify(context.Context, *model.MessageRecord) (model.Category, error) {
	return c.label, c.err
}

type memLabels struct {
	mu            sync.Mutex
	labels        map[string]model.Category
	notifications []model.Notification
}

func newMemLabels() *memLabels {
	return &memLabels{labels: make(map[string]model.Category)}
}

func (m *memLabels) UpdateLabel(_ context.Context, id string, label model.Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labels[id] = label
	return nil
}

func (m *memLabels) CreateNotification(_ context.Context, n model.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, n)
	return nil
}

func (m *memLabels) snapshot() (map[string]model.Category, []model.Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	labels := make(map[string]model.Category, len(m.labels))
	for k, v := range m.labels {
		labels[k] = v
	}
	return labels, append([]model.Notification(nil), m.notifications...)
}

type countingNotifier struct {
	mu    sync.Mutex
	count int
}

func (n *countingNotifier) NotifyHighValue(context.Context, *model.MessageRecord, model.Category) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count++
	return nil
}

func TestFanout_StopsAtFirstFailure(t *testing.T) {
	first := &recordingSink{}
	failing := &recordingSink{fail: errors.New("down")}
	last := &recordingSink{}

	err := Fanout{first, failing, last}.Upsert(context.Background(), &model.MessageRecord{ID: "r1"})
	require.Error(t, err)
	assert.Equal(t, []string{"r1"}, first.ids)
	assert.Empty(t, last.ids)
}

func TestSinkFunc(t *testing.T) {
	var got string
	sink := SinkFunc(func(_ context.Context, rec *model.MessageRecord) error {
		got = rec.ID
		return nil
	})
	require.NoError(t, sink.Upsert(context.Background(), &model.MessageRecord{ID: "x"}))
	assert.Equal(t, "x", got)
}

func TestPipeline_ClassifiesAfterUpsert(t *testing.T) {
	labels := newMemLabels()
	notifier := &countingNotifier{}
	d := NewDispatcher(DispatcherConfig{
		Workers:    2,
		QueueSize:  8,
		Classifier: fixedClassifier{label: model.CategoryInterested},
		Labels:     labels,
		Notifier:   notifier,
		Log:        zerolog.Nop(),
	})

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	sink := &recordingSink{}
	p := NewPipeline(sink, d)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, p.Upsert(context.Background(), &model.MessageRecord{ID: id, AccountID: "acct"}))
	}

	d.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not drain")
	}

	got, notes := labels.snapshot()
	assert.Len(t, got, 3)
	assert.Equal(t, model.CategoryInterested, got["b"])
	assert.Len(t, notes, 3)
	assert.Equal(t, 3, notifier.count)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, sink.ids)
}

func TestPipeline_SinkFailureSkipsClassification(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{QueueSize: 4, Log: zerolog.Nop()})
	p := NewPipeline(&recordingSink{fail: errors.New("down")}, d)

	err := p.Upsert(context.Background(), &model.MessageRecord{ID: "a"})
	require.Error(t, err)
	assert.Empty(t, d.queue)
}

func TestPipeline_RejectsRecordWithoutID(t *testing.T) {
	p := NewPipeline(&recordingSink{}, nil)
	assert.Error(t, p.Upsert(context.Background(), &model.MessageRecord{}))
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	var out bytes.Buffer
	d := NewDispatcher(DispatcherConfig{QueueSize: 1, Log: zerolog.New(&out)})

	assert.True(t, d.Enqueue(&model.MessageRecord{ID: "1"}))
	assert.False(t, d.Enqueue(&model.MessageRecord{ID: "2"}))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "classification queue full, dropping job", entry["message"])
	assert.Equal(t, "2", entry["record_id"])

	d.Close()
	assert.False(t, d.Enqueue(&model.MessageRecord{ID: "3"}))
}

func TestDispatcher_ClassifyErrorLeavesLabel(t *testing.T) {
	var out bytes.Buffer
	labels := newMemLabels()
	d := NewDispatcher(DispatcherConfig{
		Classifier: fixedClassifier{err: errors.New("model unavailable")},
		Labels:     labels,
		Log:        zerolog.New(&out),
	})

	d.process(context.Background(), &model.MessageRecord{ID: "a"})

	got, notes := labels.snapshot()
	assert.Empty(t, got)
	assert.Empty(t, notes)
	assert.Contains(t, out.String(), `"message":"classification failed"`)
}

func TestDispatcher_LowValueDoesNotNotify(t *testing.T) {
	labels := newMemLabels()
	notifier := &countingNotifier{}
	d := NewDispatcher(DispatcherConfig{
		Classifier: fixedClassifier{label: model.CategorySpam},
		Labels:     labels,
		Notifier:   notifier,
		Log:        zerolog.Nop(),
	})

	d.process(context.Background(), &model.MessageRecord{ID: "a"})

	got, notes := labels.snapshot()
	assert.Equal(t, model.CategorySpam, got["a"])
	assert.Empty(t, notes)
	assert.Zero(t, notifier.count)
}
