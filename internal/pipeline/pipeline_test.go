package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1F47E/geo-rebalance/internal/logger"
	"github.com/1F47E/geo-rebalance/internal/metrics"
	"github.com/1F47E/geo-rebalance/internal/publish"
	"github.com/1F47E/geo-rebalance/pkg/feed"
	"github.com/1F47E/geo-rebalance/pkg/models"
	"github.com/1F47E/geo-rebalance/pkg/rebalance"
	"github.com/1F47E/geo-rebalance/pkg/station"
)

func midtown(bikes ...int) models.Snapshot {
	if len(bikes) == 0 {
		bikes = []int{15, 25, 35, 45}
	}
	snap := models.Snapshot{Columns: []string{"station_id", "capacity", "lat", "lon", "name"}}
	for i, b := range bikes {
		snap.Rows = append(snap.Rows, models.Row{
			"station_id": string(rune('1' + i)),
			"capacity":   b,
			"lat":        40.7486 + float64(i)*0.001,
			"lon":        -73.9864 - float64(i)*0.001,
			"name":       "Station",
		})
	}
	return snap
}

// scriptedSource returns one scripted response per call and repeats the last.
type scriptedSource struct {
	mu    sync.Mutex
	steps []func() (models.Snapshot, error)
	calls int
}

func (s *scriptedSource) Fetch(context.Context) (models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := min(s.calls, len(s.steps)-1)
	s.calls++
	return s.steps[i]()
}

func ok(snap models.Snapshot) func() (models.Snapshot, error) {
	return func() (models.Snapshot, error) { return snap, nil }
}

func fail(err error) func() (models.Snapshot, error) {
	return func() (models.Snapshot, error) { return models.Snapshot{}, err }
}

type recordingPublisher struct {
	mu      sync.Mutex
	updates []publish.Update
	err     error
	notify  chan struct{}
}

func (r *recordingPublisher) Publish(_ context.Context, u publish.Update) error {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
	if r.notify != nil {
		select {
		case r.notify <- struct{}{}:
		default:
		}
	}
	return r.err
}

func (r *recordingPublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

type recordingSink struct {
	mu     sync.Mutex
	events []metrics.PassEvent
}

func (r *recordingSink) RecordPass(ev metrics.PassEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

type staticAlerts struct {
	alerts []feed.Alert
	err    error
}

func (s staticAlerts) Fetch(context.Context) ([]feed.Alert, error) {
	return s.alerts, s.err
}

func defaultOptions() Options {
	return Options{K: 3, Min: 25, Max: 40, DonorFloor: rebalance.FloorMin}
}

func TestRunOnce(t *testing.T) {
	src := &scriptedSource{steps: []func() (models.Snapshot, error){ok(midtown())}}
	pub := &recordingPublisher{}
	sink := &recordingSink{}
	p := New(src, pub, defaultOptions(), WithSink(sink), WithLogger(logger.NopLogger{}),
		WithAlerts(staticAlerts{alerts: []feed.Alert{{ID: "a1", Header: "Detour"}}}))

	update, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []models.Transfer{{From: "4", To: "1", Amount: 10}}, update.Transfers)
	assert.Equal(t, "capacity", update.OccupancyField)
	assert.Equal(t, 25, update.Snapshot.Rows[0]["capacity"])
	assert.Equal(t, 35, update.Snapshot.Rows[3]["capacity"])
	assert.Len(t, update.Alerts, 1)

	require.Equal(t, 1, pub.count())
	assert.Equal(t, update.PassID, pub.updates[0].PassID)

	last, found := p.Last()
	require.True(t, found)
	assert.Equal(t, update.PassID, last.PassID)

	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	assert.True(t, ev.Success)
	assert.Equal(t, 4, ev.Stations)
	assert.Equal(t, 10, ev.BikesMoved)
	assert.Equal(t, 1, ev.Transfers)
	assert.Less(t, ev.StdDevAfter, ev.StdDevBefore)
}

func TestRunOnceFailureKeepsLastUpdate(t *testing.T) {
	malformed := midtown()
	delete(malformed.Rows[1], "lat")

	src := &scriptedSource{steps: []func() (models.Snapshot, error){
		ok(midtown()),
		ok(malformed),
		fail(errors.New("feed down")),
	}}
	pub := &recordingPublisher{}
	sink := &recordingSink{}
	p := New(src, pub, defaultOptions(), WithSink(sink), WithLogger(logger.NopLogger{}))

	first, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	_, err = p.RunOnce(context.Background())
	assert.ErrorIs(t, err, station.ErrMalformedSnapshot)

	_, err = p.RunOnce(context.Background())
	assert.ErrorContains(t, err, "feed down")

	last, found := p.Last()
	require.True(t, found)
	assert.Equal(t, first.PassID, last.PassID)
	assert.Equal(t, 1, pub.count(), "failed passes publish nothing")

	require.Len(t, sink.events, 3)
	assert.False(t, sink.events[1].Success)
	assert.Contains(t, sink.events[1].Error, "malformed")
	assert.False(t, sink.events[2].Success)
}

func TestRunOnceInvalidThresholds(t *testing.T) {
	src := &scriptedSource{steps: []func() (models.Snapshot, error){ok(midtown())}}
	p := New(src, &recordingPublisher{}, Options{K: 3, Min: 50, Max: 10}, WithLogger(logger.NopLogger{}))

	_, err := p.RunOnce(context.Background())
	assert.ErrorIs(t, err, rebalance.ErrInvalidThresholds)
	_, found := p.Last()
	assert.False(t, found)
}

func TestRunOncePublishError(t *testing.T) {
	src := &scriptedSource{steps: []func() (models.Snapshot, error){ok(midtown())}}
	boom := errors.New("broker gone")
	sink := &recordingSink{}
	p := New(src, &recordingPublisher{err: boom}, defaultOptions(), WithSink(sink), WithLogger(logger.NopLogger{}))

	update, err := p.RunOnce(context.Background())
	assert.ErrorIs(t, err, boom)
	require.NotNil(t, update)

	_, found := p.Last()
	assert.True(t, found, "the planned update stays available")
	assert.False(t, sink.events[0].Success)
}

func TestRunOnceAlertsAreOptional(t *testing.T) {
	src := &scriptedSource{steps: []func() (models.Snapshot, error){ok(midtown())}}
	p := New(src, &recordingPublisher{}, defaultOptions(), WithLogger(logger.NopLogger{}),
		WithAlerts(staticAlerts{err: errors.New("timeout")}))

	update, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, update.Alerts)
}

func TestIndexReusedForSameGeometry(t *testing.T) {
	src := &scriptedSource{steps: []func() (models.Snapshot, error){
		ok(midtown(15, 25, 35, 45)),
		ok(midtown(10, 30, 30, 50)),
		ok(midtown(10, 30, 30, 50, 20)),
	}}
	p := New(src, &recordingPublisher{}, defaultOptions(), WithLogger(logger.NopLogger{}))

	first, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	second, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, uint64(1), p.indexes.HitCount())

	third, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.Fingerprint, third.Fingerprint)
	assert.Equal(t, 2, p.indexes.Len(false))
}

func TestRunStopsOnCancel(t *testing.T) {
	src := &scriptedSource{steps: []func() (models.Snapshot, error){
		fail(errors.New("first poll fails")),
		ok(midtown()),
	}}
	pub := &recordingPublisher{notify: make(chan struct{}, 1)}
	opts := defaultOptions()
	opts.Interval = 5 * time.Millisecond
	p := New(src, pub, opts, WithLogger(logger.NopLogger{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case <-pub.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("no update published")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	_, found := p.Last()
	assert.True(t, found)
}

func TestNewDefaults(t *testing.T) {
	p := New(&scriptedSource{}, publish.NopPublisher{}, Options{})
	assert.Equal(t, defaultInterval, p.opts.Interval)
	assert.Equal(t, defaultIndexCacheSize, p.opts.IndexCacheSize)
}
