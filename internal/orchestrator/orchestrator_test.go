package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	archivememory "github.com/permitlead/harvester/internal/archive/memory"
	"github.com/permitlead/harvester/internal/extract"
	sinkmemory "github.com/permitlead/harvester/internal/sink/memory"
	sinkndjson "github.com/permitlead/harvester/internal/sink/ndjson"
)

type fakeCatalog struct {
	jurisdictions []extract.Jurisdiction
	types         map[int][]extract.ProjectType
	typeErr       map[int]error
	typeCalls     map[int]int
}

func (c *fakeCatalog) ListJurisdictions(context.Context) ([]extract.Jurisdiction, error) {
	return c.jurisdictions, nil
}

func (c *fakeCatalog) ListProjectTypes(_ context.Context, jurisdictionID int) ([]extract.ProjectType, error) {
	if c.typeCalls == nil {
		c.typeCalls = make(map[int]int)
	}
	c.typeCalls[jurisdictionID]++
	if err := c.typeErr[jurisdictionID]; err != nil {
		return nil, err
	}
	return c.types[jurisdictionID], nil
}

type page struct {
	records []extract.Record
	total   int
	err     error
}

type fakeSource struct {
	pages   map[string][]page
	offsets map[string][]int
}

func sourceKey(jurisdictionID, projectTypeID int) string {
	return fmt.Sprintf("%d/%d", jurisdictionID, projectTypeID)
}

func (s *fakeSource) FetchPage(_ context.Context, jurisdictionID, projectTypeID, offset, _ int) ([]extract.Record, int, error) {
	key := sourceKey(jurisdictionID, projectTypeID)
	if s.offsets == nil {
		s.offsets = make(map[string][]int)
	}
	s.offsets[key] = append(s.offsets[key], offset)

	queue := s.pages[key]
	if len(queue) == 0 {
		return nil, 0, nil
	}
	next := queue[0]
	s.pages[key] = queue[1:]
	return next.records, next.total, next.err
}

func (s *fakeSource) fetchCount(jurisdictionID, projectTypeID int) int {
	return len(s.offsets[sourceKey(jurisdictionID, projectTypeID)])
}

type memoryCheckpoints struct {
	mu     sync.Mutex
	loaded *extract.Checkpoint
	saves  []extract.Checkpoint
}

func (m *memoryCheckpoints) Load() (extract.Checkpoint, bool, error) {
	if m.loaded == nil {
		return extract.Checkpoint{}, false, nil
	}
	return *m.loaded, true, nil
}

func (m *memoryCheckpoints) Save(cp extract.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := cp
	saved.Completed = append([]int(nil), cp.Completed...)
	m.saves = append(m.saves, saved)
	return nil
}

func (m *memoryCheckpoints) last(t *testing.T) extract.Checkpoint {
	t.Helper()
	require.NotEmpty(t, m.saves)
	return m.saves[len(m.saves)-1]
}

type recordingPauser struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (p *recordingPauser) Pause(_ context.Context, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delays = append(p.delays, delay)
}

func (p *recordingPauser) count(delay time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, d := range p.delays {
		if d == delay {
			n++
		}
	}
	return n
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

const (
	testPageDelay         = 1 * time.Millisecond
	testJurisdictionDelay = 7 * time.Millisecond
)

func makeRecords(n int, total int) []extract.Record {
	out := make([]extract.Record, n)
	for i := range n {
		out[i] = extract.Record{"permit_id": fmt.Sprintf("P-%d", i), "totalRows": total}
	}
	return out
}

func newTestOrchestrator(t *testing.T, catalog *fakeCatalog, source *fakeSource, store *memoryCheckpoints, sink extract.RecordSink, interval int) (*Orchestrator, *recordingPauser) {
	t.Helper()
	pauser := &recordingPauser{}
	o, err := New(Config{
		RunID:              "run-test",
		PageSize:           100,
		CheckpointInterval: interval,
		PageDelay:          testPageDelay,
		JurisdictionDelay:  testJurisdictionDelay,
		MaxPageFailures:    3,
	}, Deps{
		Catalog:     catalog,
		Source:      source,
		Checkpoints: store,
		Sink:        sink,
		Clock:       fixedClock{t: time.Unix(1700000000, 0).UTC()},
		Pauser:      pauser,
		Logger:      zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return o, pauser
}

func TestRunPagesThroughDeclaredTotal(t *testing.T) {
	j := extract.Jurisdiction{ID: 1, Name: "Fort Worth", Region: "TX"}
	catalog := &fakeCatalog{
		jurisdictions: []extract.Jurisdiction{j},
		types:         map[int][]extract.ProjectType{1: {{ID: 10, Name: "Residential"}}},
	}
	source := &fakeSource{pages: map[string][]page{
		sourceKey(1, 10): {
			{records: makeRecords(100, 250), total: 250},
			{records: makeRecords(100, 250), total: 250},
			{records: makeRecords(50, 250), total: 250},
		},
	}}
	store := &memoryCheckpoints{}
	sink := sinkmemory.New()
	o, _ := newTestOrchestrator(t, catalog, source, store, sink, 500)

	require.NoError(t, o.Run(context.Background()))

	// 250 declared rows at page size 100: offsets 0, 100, 200 and stop.
	require.Equal(t, []int{0, 100, 200}, source.offsets[sourceKey(1, 10)])
	require.Len(t, sink.Records("Fort Worth"), 250)

	last := store.last(t)
	require.True(t, last.IsCompleted(1))
	require.Equal(t, int64(250), last.TotalRecords)
}

func TestRunEnrichesRecords(t *testing.T) {
	j := extract.Jurisdiction{ID: 2, Name: "Austin", Region: "TX"}
	catalog := &fakeCatalog{
		jurisdictions: []extract.Jurisdiction{j},
		types:         map[int][]extract.ProjectType{2: {{ID: 20, Name: "Commercial"}}},
	}
	source := &fakeSource{pages: map[string][]page{
		sourceKey(2, 20): {{records: makeRecords(1, 1), total: 1}},
	}}
	sink := sinkmemory.New()
	o, _ := newTestOrchestrator(t, catalog, source, &memoryCheckpoints{}, sink, 500)

	require.NoError(t, o.Run(context.Background()))

	records := sink.Records("Austin")
	require.Len(t, records, 1)
	rec := records[0]
	require.Equal(t, 2, rec[extract.FieldJurisdictionID])
	require.Equal(t, "Austin", rec[extract.FieldJurisdictionName])
	require.Equal(t, "TX", rec[extract.FieldRegion])
	require.Equal(t, "Commercial", rec[extract.FieldProjectTypeName])
	require.Equal(t, "run-test", rec[extract.FieldRunID])
	require.Equal(t, "P-0", rec["permit_id"])
}

func TestRunSkipsCompletedJurisdictions(t *testing.T) {
	done := extract.Jurisdiction{ID: 1, Name: "Plano", Region: "TX"}
	fresh := extract.Jurisdiction{ID: 2, Name: "Frisco", Region: "TX"}
	catalog := &fakeCatalog{
		jurisdictions: []extract.Jurisdiction{done, fresh},
		types: map[int][]extract.ProjectType{
			1: {{ID: 10, Name: "Residential"}},
			2: {{ID: 20, Name: "Residential"}},
		},
	}
	source := &fakeSource{pages: map[string][]page{
		sourceKey(2, 20): {{records: makeRecords(5, 5), total: 5}},
	}}
	store := &memoryCheckpoints{loaded: &extract.Checkpoint{Completed: []int{1}}}
	sink := sinkmemory.New()
	o, pauser := newTestOrchestrator(t, catalog, source, store, sink, 500)

	require.NoError(t, o.Run(context.Background()))

	// Idempotent skip: none of the completed jurisdiction's endpoints
	// are touched, not even its project type listing.
	require.Zero(t, catalog.typeCalls[1])
	require.Zero(t, source.fetchCount(1, 10))
	require.Zero(t, sink.Opens("Plano"))
	require.Len(t, sink.Records("Frisco"), 5)

	// The inter-jurisdiction delay is applied after a skip too.
	require.Equal(t, 2, pauser.count(testJurisdictionDelay))

	last := store.last(t)
	require.True(t, last.IsCompleted(1))
	require.True(t, last.IsCompleted(2))
}

func TestRunZeroProjectTypes(t *testing.T) {
	j := extract.Jurisdiction{ID: 3, Name: "Hutto", Region: "TX"}
	next := extract.Jurisdiction{ID: 4, Name: "Taylor", Region: "TX"}
	catalog := &fakeCatalog{
		jurisdictions: []extract.Jurisdiction{j, next},
		types: map[int][]extract.ProjectType{
			3: {},
			4: {{ID: 40, Name: "Permit"}},
		},
	}
	source := &fakeSource{pages: map[string][]page{
		sourceKey(4, 40): {{records: makeRecords(2, 2), total: 2}},
	}}
	store := &memoryCheckpoints{}
	sink := sinkmemory.New()
	o, _ := newTestOrchestrator(t, catalog, source, store, sink, 500)

	require.NoError(t, o.Run(context.Background()))

	// No output writer is opened and the jurisdiction stays off the
	// completed set, so a future run retries it.
	require.Zero(t, sink.Opens("Hutto"))
	last := store.last(t)
	require.False(t, last.IsCompleted(3))
	require.True(t, last.IsCompleted(4))
}

func TestRunAbortsProjectTypeAfterConsecutiveFailures(t *testing.T) {
	j := extract.Jurisdiction{ID: 5, Name: "Waco", Region: "TX"}
	catalog := &fakeCatalog{
		jurisdictions: []extract.Jurisdiction{j},
		types: map[int][]extract.ProjectType{
			5: {{ID: 50, Name: "Broken"}, {ID: 51, Name: "Working"}},
		},
	}
	boom := errors.New("malformed page")
	source := &fakeSource{pages: map[string][]page{
		sourceKey(5, 50): {{err: boom}, {err: boom}, {err: boom}},
		sourceKey(5, 51): {{records: makeRecords(3, 3), total: 3}},
	}}
	store := &memoryCheckpoints{}
	sink := sinkmemory.New()
	o, _ := newTestOrchestrator(t, catalog, source, store, sink, 500)

	require.NoError(t, o.Run(context.Background()))

	// Each failure skips forward one page-width before the third one
	// abandons the type; the next type in the same jurisdiction runs.
	require.Equal(t, []int{0, 100, 200}, source.offsets[sourceKey(5, 50)])
	require.Len(t, sink.Records("Waco"), 3)
	last := store.last(t)
	require.True(t, last.IsCompleted(5))
}

func TestRunFailingOnlyTypeLeavesJurisdictionIncomplete(t *testing.T) {
	j := extract.Jurisdiction{ID: 6, Name: "Temple", Region: "TX"}
	catalog := &fakeCatalog{
		jurisdictions: []extract.Jurisdiction{j},
		types:         map[int][]extract.ProjectType{6: {{ID: 60, Name: "OnlyType"}}},
	}
	boom := errors.New("malformed page")
	source := &fakeSource{pages: map[string][]page{
		sourceKey(6, 60): {{err: boom}, {err: boom}, {err: boom}},
	}}
	store := &memoryCheckpoints{}
	o, _ := newTestOrchestrator(t, catalog, source, store, sinkmemory.New(), 500)

	require.NoError(t, o.Run(context.Background()))

	last := store.last(t)
	require.False(t, last.IsCompleted(6))
}

func TestRunFailureResetOnSuccess(t *testing.T) {
	j := extract.Jurisdiction{ID: 7, Name: "Killeen", Region: "TX"}
	catalog := &fakeCatalog{
		jurisdictions: []extract.Jurisdiction{j},
		types:         map[int][]extract.ProjectType{7: {{ID: 70, Name: "Flaky"}}},
	}
	boom := errors.New("malformed page")
	// Two failures, a success, two more failures: the counter resets on
	// success so the type is never abandoned.
	source := &fakeSource{pages: map[string][]page{
		sourceKey(7, 70): {
			{err: boom},
			{err: boom},
			{records: makeRecords(100, 600), total: 600},
			{err: boom},
			{err: boom},
			{records: makeRecords(100, 600), total: 600},
		},
	}}
	store := &memoryCheckpoints{}
	sink := sinkmemory.New()
	o, _ := newTestOrchestrator(t, catalog, source, store, sink, 500)

	require.NoError(t, o.Run(context.Background()))

	require.Equal(t, []int{0, 100, 200, 300, 400, 500}, source.offsets[sourceKey(7, 70)])
	require.Len(t, sink.Records("Killeen"), 200)
	last := store.last(t)
	require.True(t, last.IsCompleted(7))
}

func TestRunCoalescesCheckpointSaves(t *testing.T) {
	j := extract.Jurisdiction{ID: 8, Name: "Denton", Region: "TX"}
	catalog := &fakeCatalog{
		jurisdictions: []extract.Jurisdiction{j},
		types:         map[int][]extract.ProjectType{8: {{ID: 80, Name: "Permit"}}},
	}
	source := &fakeSource{pages: map[string][]page{
		sourceKey(8, 80): {
			{records: makeRecords(100, 400), total: 400},
			{records: makeRecords(100, 400), total: 400},
			{records: makeRecords(100, 400), total: 400},
			{records: makeRecords(100, 400), total: 400},
		},
	}}
	store := &memoryCheckpoints{}
	o, _ := newTestOrchestrator(t, catalog, source, store, sinkmemory.New(), 200)

	require.NoError(t, o.Run(context.Background()))

	// Interval 200 over 400 records: two coalesced saves plus the
	// unconditional save at the jurisdiction boundary.
	require.Len(t, store.saves, 3)

	// Monotonic growth: each save's completed set contains the previous.
	for i := 1; i < len(store.saves); i++ {
		prev := store.saves[i-1]
		cur := store.saves[i]
		for _, id := range prev.Completed {
			require.True(t, cur.IsCompleted(id))
		}
		require.GreaterOrEqual(t, cur.TotalRecords, prev.TotalRecords)
	}
	require.Equal(t, int64(400), store.last(t).TotalRecords)
}

func TestRunArchivesFileBackedOutput(t *testing.T) {
	j := extract.Jurisdiction{ID: 12, Name: "Fort Worth", Region: "TX"}
	catalog := &fakeCatalog{
		jurisdictions: []extract.Jurisdiction{j},
		types:         map[int][]extract.ProjectType{12: {{ID: 120, Name: "Permit"}}},
	}
	source := &fakeSource{pages: map[string][]page{
		sourceKey(12, 120): {{records: makeRecords(2, 2), total: 2}},
	}}
	sink, err := sinkndjson.New(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	archiver := archivememory.New()

	o, err := New(Config{
		RunID:    "run-archive",
		PageSize: 100,
	}, Deps{
		Catalog:     catalog,
		Source:      source,
		Checkpoints: &memoryCheckpoints{},
		Sink:        sink,
		Archiver:    archiver,
		Pauser:      &recordingPauser{},
		Logger:      zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	require.NoError(t, o.Run(context.Background()))

	data, ok := archiver.Object("tx_fortworth.ndjson")
	require.True(t, ok)
	require.NotEmpty(t, data)
}

func TestRunDoesNotArchiveNonFileOutput(t *testing.T) {
	j := extract.Jurisdiction{ID: 13, Name: "Austin", Region: "TX"}
	catalog := &fakeCatalog{
		jurisdictions: []extract.Jurisdiction{j},
		types:         map[int][]extract.ProjectType{13: {{ID: 130, Name: "Permit"}}},
	}
	source := &fakeSource{pages: map[string][]page{
		sourceKey(13, 130): {{records: makeRecords(2, 2), total: 2}},
	}}
	sink := sinkmemory.New()
	archiver := archivememory.New()

	o, err := New(Config{
		RunID:    "run-no-archive",
		PageSize: 100,
	}, Deps{
		Catalog:     catalog,
		Source:      source,
		Checkpoints: &memoryCheckpoints{},
		Sink:        sink,
		Archiver:    archiver,
		Pauser:      &recordingPauser{},
		Logger:      zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	require.NoError(t, o.Run(context.Background()))

	// The memory sink's location is not a local file, so nothing is
	// uploaded even with an archiver configured.
	require.Len(t, sink.Records("Austin"), 2)
	_, ok := archiver.Object("Austin")
	require.False(t, ok)
}

func TestRunCanceledContext(t *testing.T) {
	j := extract.Jurisdiction{ID: 9, Name: "Allen", Region: "TX"}
	catalog := &fakeCatalog{
		jurisdictions: []extract.Jurisdiction{j},
		types:         map[int][]extract.ProjectType{9: {{ID: 90, Name: "Permit"}}},
	}
	source := &fakeSource{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o, _ := newTestOrchestrator(t, catalog, source, &memoryCheckpoints{}, sinkmemory.New(), 500)
	require.ErrorIs(t, o.Run(ctx), context.Canceled)
}

func TestRunProjectTypeListingFailureContained(t *testing.T) {
	bad := extract.Jurisdiction{ID: 10, Name: "Ennis", Region: "TX"}
	good := extract.Jurisdiction{ID: 11, Name: "Terrell", Region: "TX"}
	catalog := &fakeCatalog{
		jurisdictions: []extract.Jurisdiction{bad, good},
		types:         map[int][]extract.ProjectType{11: {{ID: 110, Name: "Permit"}}},
		typeErr:       map[int]error{10: errors.New("listing failed")},
	}
	source := &fakeSource{pages: map[string][]page{
		sourceKey(11, 110): {{records: makeRecords(1, 1), total: 1}},
	}}
	store := &memoryCheckpoints{}
	sink := sinkmemory.New()
	o, _ := newTestOrchestrator(t, catalog, source, store, sink, 500)

	require.NoError(t, o.Run(context.Background()))

	require.Len(t, sink.Records("Terrell"), 1)
	last := store.last(t)
	require.False(t, last.IsCompleted(10))
	require.True(t, last.IsCompleted(11))
}
