package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"logsentry/internal/models"
	"logsentry/internal/repository"
	"logsentry/internal/tabular"
	"logsentry/internal/triage"
)

// memStore is an in-memory implementation of the repository interfaces so
// pipeline behavior can be tested without a database.
type memStore struct {
	mu           sync.Mutex
	datasets     map[string]*models.Dataset
	rows         map[string][]tabular.Row
	sessions     map[string]*models.AnalysisSession
	sessionOrder []string
	anomalies    map[string]*models.Anomaly
	reports      map[string]*models.TriageReport
	progressLog  []int
}

func newMemStore() *memStore {
	return &memStore{
		datasets:  make(map[string]*models.Dataset),
		rows:      make(map[string][]tabular.Row),
		sessions:  make(map[string]*models.AnalysisSession),
		anomalies: make(map[string]*models.Anomaly),
		reports:   make(map[string]*models.TriageReport),
	}
}

func (m *memStore) Create(ds *models.Dataset, rows []tabular.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ds
	m.datasets[ds.ID] = &cp
	m.rows[ds.ID] = rows
	return nil
}

func (m *memStore) GetByID(id string) (*models.Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds, ok := m.datasets[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *ds
	return &cp, nil
}

func (m *memStore) ListByOwner(ownerID int64) ([]*models.Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Dataset
	for _, ds := range m.datasets {
		if ds.OwnerID == ownerID {
			cp := *ds
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) UpdateStatus(id string, status models.DatasetStatus, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds, ok := m.datasets[id]
	if !ok {
		return sql.ErrNoRows
	}
	ds.Status = status
	ds.LastError = lastError
	return nil
}

func (m *memStore) SetAnomalyCount(id string, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds, ok := m.datasets[id]
	if !ok {
		return sql.ErrNoRows
	}
	ds.AnomalyCount = count
	return nil
}

func (m *memStore) Rows(id string) ([]tabular.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id], nil
}

func (m *memStore) CreateIfNoneActive(s *models.AnalysisSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.DatasetID == s.DatasetID && existing.Status.Active() {
			return repository.ErrActiveSessionExists
		}
	}
	cp := *s
	m.sessions[s.ID] = &cp
	m.sessionOrder = append(m.sessionOrder, s.ID)
	return nil
}

func (m *memStore) GetActiveByDataset(datasetID string) (*models.AnalysisSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sessionOrder) - 1; i >= 0; i-- {
		s := m.sessions[m.sessionOrder[i]]
		if s.DatasetID == datasetID && s.Status.Active() {
			cp := *s
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *memStore) GetLatestByDataset(datasetID string) (*models.AnalysisSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sessionOrder) - 1; i >= 0; i-- {
		s := m.sessions[m.sessionOrder[i]]
		if s.DatasetID == datasetID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *memStore) GetSessionByID(id string) (*models.AnalysisSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) Update(s *models.AnalysisSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return sql.ErrNoRows
	}
	cp := *s
	m.sessions[s.ID] = &cp
	m.progressLog = append(m.progressLog, s.Progress)
	return nil
}

func (m *memStore) CreateBatch(anomalies []*models.Anomaly) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range anomalies {
		cp := *a
		m.anomalies[a.ID] = &cp
	}
	return nil
}

func (m *memStore) GetAnomalyByID(id string) (*models.Anomaly, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.anomalies[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) ListByDataset(datasetID string, filter repository.AnomalyFilter) ([]*models.Anomaly, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Anomaly
	for _, a := range m.anomalies {
		if a.DatasetID != datasetID {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if a.Score < filter.MinScore {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func (m *memStore) UpdateAnomalyStatus(id string, status models.AnomalyStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.anomalies[id]
	if !ok {
		return sql.ErrNoRows
	}
	a.Status = status
	return nil
}

func (m *memStore) CreateReportBatch(reports []*models.TriageReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range reports {
		for _, existing := range m.reports {
			if existing.AnomalyID == r.AnomalyID {
				return fmt.Errorf("duplicate report for anomaly %s", r.AnomalyID)
			}
		}
		cp := *r
		m.reports[r.ID] = &cp
	}
	return nil
}

func (m *memStore) GetReportByID(id string) (*models.TriageReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) GetByAnomalyID(anomalyID string) (*models.TriageReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.reports {
		if r.AnomalyID == anomalyID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *memStore) SetResult(id string, payload *models.TriagePayload, model string, generatedAt time.Time, processingMS int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return sql.ErrNoRows
	}
	r.Payload = payload
	r.Model = model
	r.GeneratedAt = &generatedAt
	r.ProcessingMS = processingMS
	r.Status = models.ReportTriaged
	r.TriageError = ""
	return nil
}

func (m *memStore) SetFailure(id string, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return sql.ErrNoRows
	}
	r.TriageError = message
	return nil
}

func (m *memStore) Review(id string, review repository.ReportReview) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return sql.ErrNoRows
	}
	if review.Status != nil {
		r.Status = *review.Status
	}
	if review.AssignedTo != nil {
		r.AssignedTo = *review.AssignedTo
	}
	if review.ResolutionNotes != nil {
		r.ResolutionNotes = *review.ResolutionNotes
	}
	if review.UserFeedback != nil {
		r.UserFeedback = *review.UserFeedback
	}
	return nil
}

// Interface adapters so one memStore serves every repository dependency.
type sessionStore struct{ *memStore }

func (s sessionStore) GetByID(id string) (*models.AnalysisSession, error) {
	return s.GetSessionByID(id)
}

type anomalyStore struct{ *memStore }

func (s anomalyStore) GetByID(id string) (*models.Anomaly, error) {
	return s.GetAnomalyByID(id)
}

func (s anomalyStore) UpdateStatus(id string, status models.AnomalyStatus) error {
	return s.UpdateAnomalyStatus(id, status)
}

type reportStore struct{ *memStore }

func (s reportStore) CreateBatch(reports []*models.TriageReport) error {
	return s.CreateReportBatch(reports)
}

func (s reportStore) GetByID(id string) (*models.TriageReport, error) {
	return s.GetReportByID(id)
}

// scriptTriager fails its first failFirst calls and succeeds afterwards.
type scriptTriager struct {
	mu        sync.Mutex
	calls     int
	failFirst int
	failAll   bool
}

func (t *scriptTriager) Triage(_ context.Context, _ *models.Anomaly, _ *models.Dataset) (*triage.Result, error) {
	t.mu.Lock()
	t.calls++
	call := t.calls
	t.mu.Unlock()

	if t.failAll || call <= t.failFirst {
		return nil, &triage.TriageUnavailableError{Attempts: 3, Err: errors.New("connection refused")}
	}
	return &triage.Result{
		Payload: &models.TriagePayload{
			Severity:       models.SeverityMedium,
			SeverityScore:  5,
			Reasoning:      []string{"traffic volume far above baseline"},
			Classification: models.ThreatClassification{ThreatType: "data_exfiltration"},
			Actions:        models.RecommendedActions{Immediate: []string{"isolate the source host"}},
			Confidence:     models.ConfidenceBreakdown{Overall: 0.7},
		},
		Model:        "fake-model",
		GeneratedAt:  time.Now().UTC(),
		ProcessingMS: 5,
	}, nil
}

// gateSource blocks row loading until the gate is closed, keeping a run
// active for as long as a test needs it to be.
type gateSource struct {
	rows []tabular.Row
	gate chan struct{}
}

func (g *gateSource) Rows(ctx context.Context, _ string) ([]tabular.Row, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-g.gate:
	}
	return g.rows, nil
}

// trafficRows generates normal connection records plus injected rows with
// an extreme bytes value appended at the end.
func trafficRows(normal, injected int, seed int64) []tabular.Row {
	rng := rand.New(rand.NewSource(seed))
	protos := []string{"tcp", "tcp", "tcp", "udp", "icmp"}

	rows := make([]tabular.Row, 0, normal+injected)
	for i := 0; i < normal; i++ {
		rows = append(rows, tabular.Row{
			Index: i,
			Sheet: "connections",
			Values: map[string]string{
				"bytes":    strconv.FormatFloat(100+rng.Float64()*900, 'f', 0, 64),
				"port":     strconv.Itoa(1024 + rng.Intn(40000)),
				"proto":    protos[rng.Intn(len(protos))],
				"duration": strconv.FormatFloat(rng.Float64()*5, 'f', 2, 64),
			},
		})
	}
	for i := 0; i < injected; i++ {
		rows = append(rows, tabular.Row{
			Index: normal + i,
			Sheet: "connections",
			Values: map[string]string{
				"bytes":    strconv.FormatFloat(50000+rng.Float64()*5000, 'f', 0, 64),
				"port":     strconv.Itoa(1024 + rng.Intn(40000)),
				"proto":    protos[rng.Intn(len(protos))],
				"duration": strconv.FormatFloat(rng.Float64()*5, 'f', 2, 64),
			},
		})
	}
	return rows
}

func newTestOrchestrator(store *memStore, source tabular.Source, triager Triager, cfg Config) *Orchestrator {
	if source == nil {
		source = &repository.StoreSource{Datasets: store}
	}
	if cfg.RunTimeout == 0 {
		cfg.RunTimeout = time.Minute
	}
	return New(store, sessionStore{store}, anomalyStore{store}, reportStore{store}, source, triager, cfg, zap.NewNop())
}

func seedDataset(t *testing.T, store *memStore, rows []tabular.Row) *models.Dataset {
	t.Helper()
	ds := &models.Dataset{
		ID:       "ds-1",
		OwnerID:  1,
		Name:     "test-traffic",
		Filename: "traffic.csv",
		RowCount: len(rows),
		Status:   models.DatasetUploaded,
	}
	require.NoError(t, store.Create(ds, rows))
	return ds
}

func TestRunCompletesWithoutTriage(t *testing.T) {
	store := newMemStore()
	ds := seedDataset(t, store, trafficRows(36, 4, 1))
	orch := newTestOrchestrator(store, nil, nil, Config{ThresholdPercentile: 90, Seed: 1})

	session, reused, err := orch.StartOrResume(context.Background(), ds.ID, 1)
	require.NoError(t, err)
	assert.False(t, reused)
	orch.Wait()

	final, err := store.GetSessionByID(session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.Equal(t, 40, final.RowsAnalyzed)
	assert.NotNil(t, final.CompletedAt)
	assert.Empty(t, final.ErrorMessage)

	updated, err := store.GetByID(ds.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DatasetCompleted, updated.Status)
	assert.Equal(t, final.AnomaliesDetected, updated.AnomalyCount)
	assert.Greater(t, updated.AnomalyCount, 0)

	// Every anomaly gets exactly one placeholder report even when triage
	// never runs.
	anomalies, err := store.ListByDataset(ds.ID, repository.AnomalyFilter{})
	require.NoError(t, err)
	require.Len(t, anomalies, updated.AnomalyCount)
	for _, a := range anomalies {
		assert.Equal(t, models.AnomalyDetected, a.Status)
		report, err := store.GetByAnomalyID(a.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ReportPendingTriage, report.Status)
		assert.Empty(t, report.TriageError)
		assert.Nil(t, report.Payload)
	}

	// SessionForDataset serves the polling endpoint after completion.
	latest, err := orch.SessionForDataset(ds.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, latest.ID)
}

func TestStartOrResumeIdempotent(t *testing.T) {
	store := newMemStore()
	rows := trafficRows(36, 4, 2)
	ds := seedDataset(t, store, rows)

	gate := &gateSource{rows: rows, gate: make(chan struct{})}
	orch := newTestOrchestrator(store, gate, nil, Config{ThresholdPercentile: 90, Seed: 1})

	first, reused, err := orch.StartOrResume(context.Background(), ds.ID, 1)
	require.NoError(t, err)
	assert.False(t, reused)

	// The run is parked inside the row source, so the session is still
	// active and a second trigger must not start another one.
	second, reused, err := orch.StartOrResume(context.Background(), ds.ID, 1)
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Equal(t, first.ID, second.ID)

	close(gate.gate)
	orch.Wait()

	final, err := store.GetSessionByID(first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, final.Status)

	// A trigger after completion starts a fresh session.
	third, reused, err := orch.StartOrResume(context.Background(), ds.ID, 1)
	require.NoError(t, err)
	assert.False(t, reused)
	assert.NotEqual(t, first.ID, third.ID)
	orch.Wait()
}

func TestProgressNeverDecreases(t *testing.T) {
	store := newMemStore()
	ds := seedDataset(t, store, trafficRows(45, 5, 3))
	triager := &scriptTriager{}
	orch := newTestOrchestrator(store, nil, triager, Config{
		ThresholdPercentile: 90,
		MaxTriageReports:    3,
		TriageEnabled:       true,
		Seed:                1,
	})

	_, _, err := orch.StartOrResume(context.Background(), ds.ID, 1)
	require.NoError(t, err)
	orch.Wait()

	require.NotEmpty(t, store.progressLog)
	for i := 1; i < len(store.progressLog); i++ {
		assert.GreaterOrEqual(t, store.progressLog[i], store.progressLog[i-1],
			"progress regressed at update %d: %v", i, store.progressLog)
	}
	assert.Equal(t, 100, store.progressLog[len(store.progressLog)-1])
}

func TestEmptyDatasetFails(t *testing.T) {
	store := newMemStore()
	ds := seedDataset(t, store, nil)
	orch := newTestOrchestrator(store, nil, nil, Config{Seed: 1})

	session, _, err := orch.StartOrResume(context.Background(), ds.ID, 1)
	require.NoError(t, err)
	orch.Wait()

	final, err := store.GetSessionByID(session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionError, final.Status)
	assert.Contains(t, final.ErrorMessage, "no rows")

	updated, err := store.GetByID(ds.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DatasetError, updated.Status)
	assert.Contains(t, updated.LastError, "no rows")
}

func TestInsufficientRowsFails(t *testing.T) {
	store := newMemStore()
	ds := seedDataset(t, store, trafficRows(5, 0, 4))
	orch := newTestOrchestrator(store, nil, nil, Config{MinRows: 20, Seed: 1})

	session, _, err := orch.StartOrResume(context.Background(), ds.ID, 1)
	require.NoError(t, err)
	orch.Wait()

	final, err := store.GetSessionByID(session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionError, final.Status)
	assert.Contains(t, final.ErrorMessage, "insufficient data")
}

func TestPartialTriageFailureStillCompletes(t *testing.T) {
	store := newMemStore()
	ds := seedDataset(t, store, trafficRows(36, 4, 5))
	triager := &scriptTriager{failFirst: 1}
	orch := newTestOrchestrator(store, nil, triager, Config{
		ThresholdPercentile: 90,
		TriageEnabled:       true,
		Seed:                1,
	})

	session, _, err := orch.StartOrResume(context.Background(), ds.ID, 1)
	require.NoError(t, err)
	orch.Wait()

	final, err := store.GetSessionByID(session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, final.Status)

	anomalies, err := store.ListByDataset(ds.ID, repository.AnomalyFilter{})
	require.NoError(t, err)
	require.NotEmpty(t, anomalies)
	assert.Equal(t, len(anomalies)-1, final.ReportsGenerated)

	// The first triage call failed: its report records the failure and
	// stays pending, distinguishable from one that never ran.
	failed, err := store.GetByAnomalyID(anomalies[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReportPendingTriage, failed.Status)
	assert.NotEmpty(t, failed.TriageError)
	assert.Contains(t, failed.TriageError, "unavailable")
	assert.Nil(t, failed.Payload)
	assert.Equal(t, models.AnomalyDetected, anomalies[0].Status)

	for _, a := range anomalies[1:] {
		report, err := store.GetByAnomalyID(a.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ReportTriaged, report.Status)
		require.NotNil(t, report.Payload)
		assert.Equal(t, "fake-model", report.Model)
		assert.Equal(t, models.AnomalyTriaged, a.Status)
	}
}

func TestAllTriageFailuresFailTheSession(t *testing.T) {
	store := newMemStore()
	ds := seedDataset(t, store, trafficRows(36, 4, 6))
	triager := &scriptTriager{failAll: true}
	orch := newTestOrchestrator(store, nil, triager, Config{
		ThresholdPercentile: 90,
		TriageEnabled:       true,
		Seed:                1,
	})

	session, _, err := orch.StartOrResume(context.Background(), ds.ID, 1)
	require.NoError(t, err)
	orch.Wait()

	final, err := store.GetSessionByID(session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionError, final.Status)
	assert.Contains(t, final.ErrorMessage, "triage failed for all")
}

func TestAnalysisEndToEnd(t *testing.T) {
	store := newMemStore()
	ds := seedDataset(t, store, trafficRows(500, 50, 7))
	triager := &scriptTriager{}
	orch := newTestOrchestrator(store, nil, triager, Config{
		ThresholdPercentile: 90,
		MaxTriageReports:    10,
		TriageEnabled:       true,
		Seed:                1,
	})

	session, _, err := orch.StartOrResume(context.Background(), ds.ID, 1)
	require.NoError(t, err)
	orch.Wait()

	final, err := store.GetSessionByID(session.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionCompleted, final.Status, "session error: %s", final.ErrorMessage)
	assert.Equal(t, 550, final.RowsAnalyzed)
	assert.Equal(t, 10, final.ReportsGenerated)

	// The 90th-percentile threshold flags about a tenth of the rows,
	// which the 50 injected extremes dominate.
	anomalies, err := store.ListByDataset(ds.ID, repository.AnomalyFilter{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(anomalies), 45)
	assert.LessOrEqual(t, len(anomalies), 60)

	injected := 0
	for _, a := range anomalies {
		if a.RowIndex < 500 {
			continue
		}
		injected++
		var features []string
		for _, attr := range a.Attributions {
			features = append(features, attr.Feature)
		}
		assert.Contains(t, features, "bytes",
			"injected row %d attributions missed the extreme feature: %v", a.RowIndex, features)
	}
	assert.GreaterOrEqual(t, injected, 45)

	// Triage is capped: the top anomalies carry reports, the rest stay
	// pending without a recorded failure.
	triaged := 0
	for _, a := range anomalies {
		report, err := store.GetByAnomalyID(a.ID)
		require.NoError(t, err)
		if report.Status == models.ReportTriaged {
			triaged++
		} else {
			assert.Empty(t, report.TriageError)
		}
	}
	assert.Equal(t, 10, triaged)
}
