// Package orchestrator sequences the analysis pipeline for one dataset:
// parsing, detection, triage, completion. Each run is a detached background
// task; all coordination with callers flows through persisted session
// records, so progress survives restarts and multiple workers.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"logsentry/internal/detector"
	"logsentry/internal/metrics"
	"logsentry/internal/models"
	"logsentry/internal/preprocess"
	"logsentry/internal/repository"
	"logsentry/internal/tabular"
	"logsentry/internal/triage"
)

// Triager classifies a single anomaly through the external triage service.
type Triager interface {
	Triage(ctx context.Context, anomaly *models.Anomaly, dataset *models.Dataset) (*triage.Result, error)
}

// Config holds pipeline tuning knobs.
type Config struct {
	// ThresholdPercentile of training reconstruction errors above which a
	// row is anomalous.
	ThresholdPercentile float64
	// MinRows is the minimum dataset size the engine accepts.
	MinRows int
	// MaxTriageReports caps how many top anomalies by score are triaged
	// per run, bounding LLM cost.
	MaxTriageReports int
	// RunTimeout is the soft overall timeout for one run.
	RunTimeout time.Duration
	// TriageEnabled controls whether the triaging stage runs at all.
	TriageEnabled bool
	// Seed for the detection engine, fixed for reproducible runs.
	Seed int64
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		ThresholdPercentile: 95,
		MinRows:             20,
		MaxTriageReports:    25,
		RunTimeout:          10 * time.Minute,
		TriageEnabled:       true,
		Seed:                1,
	}
}

// maxErrorLen bounds error messages recorded into session records.
const maxErrorLen = 500

// attributionLimit is the number of features reported per anomaly.
const attributionLimit = 3

// Orchestrator runs analysis sessions against datasets.
type Orchestrator struct {
	datasets  repository.DatasetRepository
	sessions  repository.SessionRepository
	anomalies repository.AnomalyRepository
	reports   repository.ReportRepository
	source    tabular.Source
	triager   Triager
	cfg       Config
	logger    *zap.Logger

	wg sync.WaitGroup
}

// New creates an orchestrator. triager may be nil when triage is disabled.
func New(
	datasets repository.DatasetRepository,
	sessions repository.SessionRepository,
	anomalies repository.AnomalyRepository,
	reports repository.ReportRepository,
	source tabular.Source,
	triager Triager,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.ThresholdPercentile <= 0 || cfg.ThresholdPercentile >= 100 {
		cfg.ThresholdPercentile = DefaultConfig().ThresholdPercentile
	}
	if cfg.MinRows <= 0 {
		cfg.MinRows = DefaultConfig().MinRows
	}
	if cfg.MaxTriageReports <= 0 {
		cfg.MaxTriageReports = DefaultConfig().MaxTriageReports
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultConfig().RunTimeout
	}
	return &Orchestrator{
		datasets:  datasets,
		sessions:  sessions,
		anomalies: anomalies,
		reports:   reports,
		source:    source,
		triager:   triager,
		cfg:       cfg,
		logger:    logger,
	}
}

// StartOrResume triggers analysis for a dataset. If an active session
// already exists it is returned unchanged with reused=true; otherwise a new
// session is created atomically and a background run is started. A lost
// insert race is resolved by re-reading and returning the winner.
func (o *Orchestrator) StartOrResume(ctx context.Context, datasetID string, ownerID int64) (*models.AnalysisSession, bool, error) {
	if active, err := o.sessions.GetActiveByDataset(datasetID); err == nil {
		metrics.SessionsTotal.WithLabelValues("reused").Inc()
		return active, true, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to look up active session: %w", err)
	}

	ds, err := o.datasets.GetByID(datasetID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load dataset: %w", err)
	}

	for attempt := 0; attempt < 3; attempt++ {
		session := &models.AnalysisSession{
			ID:          uuid.NewString(),
			DatasetID:   datasetID,
			OwnerID:     ownerID,
			Status:      models.SessionInitializing,
			Progress:    0,
			CurrentStep: "Initializing analysis",
			StartedAt:   time.Now().UTC(),
		}

		err := o.sessions.CreateIfNoneActive(session)
		if err == nil {
			metrics.SessionsTotal.WithLabelValues("started").Inc()
			o.wg.Add(1)
			go o.run(session, ds)
			return session, false, nil
		}
		if !errors.Is(err, repository.ErrActiveSessionExists) {
			return nil, false, fmt.Errorf("failed to create session: %w", err)
		}

		// Lost the race: someone else's session is active, reuse it. The
		// winner may terminate between our insert and re-read, in which
		// case the loop tries to insert again.
		winner, err := o.sessions.GetActiveByDataset(datasetID)
		if err == nil {
			metrics.SessionsTotal.WithLabelValues("reused").Inc()
			return winner, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("failed to re-read winning session: %w", err)
		}
	}

	return nil, false, fmt.Errorf("could not acquire the session slot for dataset %s", datasetID)
}

// SessionForDataset returns the most recent session for a dataset, active
// or terminal. It backs the status polling endpoint.
func (o *Orchestrator) SessionForDataset(datasetID string) (*models.AnalysisSession, error) {
	return o.sessions.GetLatestByDataset(datasetID)
}

// Wait blocks until all background runs have finished. Used on shutdown
// and by tests.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) run(session *models.AnalysisSession, ds *models.Dataset) {
	defer o.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.RunTimeout)
	defer cancel()

	log := o.logger.With(
		zap.String("session_id", session.ID),
		zap.String("dataset_id", ds.ID))
	log.Info("Analysis run started")

	if err := o.execute(ctx, session, ds); err != nil {
		o.fail(session, ds.ID, err)
		metrics.SessionsTotal.WithLabelValues("error").Inc()
		log.Error("Analysis run failed", zap.Error(err))
		return
	}

	metrics.SessionsTotal.WithLabelValues("completed").Inc()
	metrics.SessionDuration.Observe(session.ProcessingSeconds)
	log.Info("Analysis run completed",
		zap.Int("anomalies", session.AnomaliesDetected),
		zap.Int("reports", session.ReportsGenerated),
		zap.Float64("seconds", session.ProcessingSeconds))
}

func (o *Orchestrator) execute(ctx context.Context, session *models.AnalysisSession, ds *models.Dataset) error {
	// Stage: parsing.
	if err := o.advance(session, models.SessionParsing, 5, "Loading dataset rows"); err != nil {
		return err
	}
	if err := o.setDatasetStatus(ds.ID, models.DatasetParsing); err != nil {
		return err
	}

	rows, err := o.source.Rows(ctx, ds.ID)
	if err != nil {
		return fmt.Errorf("failed to load dataset rows: %w", err)
	}
	if len(rows) == 0 {
		return &preprocess.DataShapeError{Reason: "dataset has no rows"}
	}
	session.RowsAnalyzed = len(rows)
	if err := o.setDatasetStatus(ds.ID, models.DatasetParsed); err != nil {
		return err
	}

	// Stage: detecting.
	if err := o.advance(session, models.SessionDetecting, 30, "Preparing features"); err != nil {
		return err
	}
	if err := o.setDatasetStatus(ds.ID, models.DatasetAnalyzing); err != nil {
		return err
	}

	transformer, err := preprocess.Fit(rows)
	if err != nil {
		return err
	}
	matrix := transformer.Transform(rows)

	engine := detector.New(detector.Config{
		MinRows:             o.cfg.MinRows,
		ThresholdPercentile: o.cfg.ThresholdPercentile,
		Seed:                o.cfg.Seed,
	})
	if err := o.advance(session, models.SessionDetecting, 40, "Training reconstruction model"); err != nil {
		return err
	}
	if err := engine.Fit(matrix); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("analysis run timed out: %w", ctx.Err())
	}

	if err := o.advance(session, models.SessionDetecting, 60, "Scoring rows"); err != nil {
		return err
	}
	scores, err := engine.Score(matrix)
	if err != nil {
		return err
	}

	anomalies, err := o.buildAnomalies(session, ds, rows, matrix, scores, engine, transformer)
	if err != nil {
		return err
	}
	reportByAnomaly, err := o.persistDetections(session, ds, anomalies)
	if err != nil {
		return err
	}

	session.AnomaliesDetected = len(anomalies)
	if err := o.setDatasetStatus(ds.ID, models.DatasetAnalyzed); err != nil {
		return err
	}
	if err := o.advance(session, models.SessionDetecting, 80, "Detection complete"); err != nil {
		return err
	}

	// Stage: triaging.
	if o.cfg.TriageEnabled && o.triager != nil && len(anomalies) > 0 {
		if err := o.triageStage(ctx, session, ds, anomalies, reportByAnomaly); err != nil {
			return err
		}
	}

	// Completion.
	now := time.Now().UTC()
	session.CompletedAt = &now
	session.ProcessingSeconds = now.Sub(session.StartedAt).Seconds()
	if err := o.advance(session, models.SessionCompleted, 100, "Analysis complete"); err != nil {
		return err
	}
	return o.setDatasetStatus(ds.ID, models.DatasetCompleted)
}

// buildAnomalies collects flagged rows with their feature attributions,
// ordered by score descending.
func (o *Orchestrator) buildAnomalies(
	session *models.AnalysisSession,
	ds *models.Dataset,
	rows []tabular.Row,
	matrix [][]float64,
	scores []float64,
	engine *detector.Autoencoder,
	transformer *preprocess.Transformer,
) ([]*models.Anomaly, error) {
	threshold := engine.Threshold()
	features := transformer.Features()

	var flagged []int
	for i, score := range scores {
		if score >= threshold {
			flagged = append(flagged, i)
		}
	}
	sort.SliceStable(flagged, func(a, b int) bool {
		return scores[flagged[a]] > scores[flagged[b]]
	})

	anomalies := make([]*models.Anomaly, 0, len(flagged))
	for _, i := range flagged {
		contribs, err := engine.Attribute(matrix[i], attributionLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to attribute row %d: %w", rows[i].Index, err)
		}

		attrs := make([]models.FeatureAttribution, 0, len(contribs))
		for _, c := range contribs {
			f := &features[c.Index]
			actual, present := rows[i].Values[f.Name]
			attr := models.FeatureAttribution{
				Feature:      f.Name,
				Actual:       actual,
				Expected:     f.Baseline(),
				Contribution: c.Err,
			}
			if present {
				attr.Deviation = f.Describe(actual)
			} else {
				attr.Deviation = "value is missing"
			}
			attrs = append(attrs, attr)
		}

		anomalies = append(anomalies, &models.Anomaly{
			ID:           uuid.NewString(),
			DatasetID:    ds.ID,
			SessionID:    session.ID,
			OwnerID:      session.OwnerID,
			Score:        scores[i],
			RowIndex:     rows[i].Index,
			SheetName:    rows[i].Sheet,
			RowData:      rows[i].Values,
			Attributions: attrs,
			Status:       models.AnomalyDetected,
		})
	}

	return anomalies, nil
}

// persistDetections stores anomalies and one pending placeholder report per
// anomaly, and updates the dataset anomaly count.
func (o *Orchestrator) persistDetections(session *models.AnalysisSession, ds *models.Dataset, anomalies []*models.Anomaly) (map[string]string, error) {
	if err := o.anomalies.CreateBatch(anomalies); err != nil {
		return nil, fmt.Errorf("failed to persist anomalies: %w", err)
	}

	reports := make([]*models.TriageReport, 0, len(anomalies))
	reportByAnomaly := make(map[string]string, len(anomalies))
	for _, a := range anomalies {
		rep := &models.TriageReport{
			ID:        uuid.NewString(),
			AnomalyID: a.ID,
			DatasetID: ds.ID,
			OwnerID:   session.OwnerID,
			Status:    models.ReportPendingTriage,
		}
		reports = append(reports, rep)
		reportByAnomaly[a.ID] = rep.ID
	}
	if err := o.reports.CreateBatch(reports); err != nil {
		return nil, fmt.Errorf("failed to persist placeholder reports: %w", err)
	}

	if err := o.datasets.SetAnomalyCount(ds.ID, len(anomalies)); err != nil {
		return nil, fmt.Errorf("failed to update dataset anomaly count: %w", err)
	}
	metrics.AnomaliesDetected.Add(float64(len(anomalies)))
	return reportByAnomaly, nil
}

// triageStage triages the top anomalies by score. Single failures are
// recorded on the report and the run continues; only a run where every
// attempted triage failed becomes a session error.
func (o *Orchestrator) triageStage(
	ctx context.Context,
	session *models.AnalysisSession,
	ds *models.Dataset,
	anomalies []*models.Anomaly,
	reportByAnomaly map[string]string,
) error {
	if err := o.advance(session, models.SessionTriaging, 80, "Triaging top anomalies"); err != nil {
		return err
	}
	if err := o.setDatasetStatus(ds.ID, models.DatasetTriaging); err != nil {
		return err
	}

	limit := o.cfg.MaxTriageReports
	if limit > len(anomalies) {
		limit = len(anomalies)
	}

	failures := 0
	for i := 0; i < limit; i++ {
		if ctx.Err() != nil {
			return fmt.Errorf("analysis run timed out during triage: %w", ctx.Err())
		}

		anomaly := anomalies[i]
		reportID := reportByAnomaly[anomaly.ID]

		if err := o.anomalies.UpdateStatus(anomaly.ID, models.AnomalyTriaging); err != nil {
			return fmt.Errorf("failed to mark anomaly triaging: %w", err)
		}

		callStart := time.Now()
		result, err := o.triager.Triage(ctx, anomaly, ds)
		metrics.TriageDuration.Observe(time.Since(callStart).Seconds())

		if err != nil {
			failures++
			metrics.TriageCallsTotal.WithLabelValues(triageResultLabel(err)).Inc()
			o.logger.Warn("Triage failed for anomaly",
				zap.String("anomaly_id", anomaly.ID),
				zap.Error(err))
			if repErr := o.reports.SetFailure(reportID, truncate(err.Error(), maxErrorLen)); repErr != nil {
				return fmt.Errorf("failed to record triage failure: %w", repErr)
			}
			if stErr := o.anomalies.UpdateStatus(anomaly.ID, models.AnomalyDetected); stErr != nil {
				return fmt.Errorf("failed to reset anomaly status: %w", stErr)
			}
		} else {
			metrics.TriageCallsTotal.WithLabelValues("success").Inc()
			if repErr := o.reports.SetResult(reportID, result.Payload, result.Model, result.GeneratedAt, result.ProcessingMS); repErr != nil {
				return fmt.Errorf("failed to persist triage result: %w", repErr)
			}
			if stErr := o.anomalies.UpdateStatus(anomaly.ID, models.AnomalyTriaged); stErr != nil {
				return fmt.Errorf("failed to mark anomaly triaged: %w", stErr)
			}
			session.ReportsGenerated++
		}

		progress := 80 + (i+1)*19/limit
		step := fmt.Sprintf("Triaged %d of %d anomalies", i+1, limit)
		if err := o.advance(session, models.SessionTriaging, progress, step); err != nil {
			return err
		}
	}

	if failures == limit {
		return fmt.Errorf("triage failed for all %d attempted anomalies", limit)
	}
	if failures > 0 {
		o.logger.Warn("Triage completed with failures",
			zap.String("session_id", session.ID),
			zap.Int("failed", failures),
			zap.Int("attempted", limit))
	}
	return nil
}

// advance moves the session forward. Progress never decreases within a run.
func (o *Orchestrator) advance(session *models.AnalysisSession, status models.SessionStatus, progress int, step string) error {
	if progress < session.Progress {
		progress = session.Progress
	}
	if progress > 100 {
		progress = 100
	}
	session.Status = status
	session.Progress = progress
	session.CurrentStep = step
	if err := o.sessions.Update(session); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

func (o *Orchestrator) setDatasetStatus(datasetID string, status models.DatasetStatus) error {
	if err := o.datasets.UpdateStatus(datasetID, status, ""); err != nil {
		return fmt.Errorf("failed to update dataset status: %w", err)
	}
	return nil
}

// fail records the error into the session and dataset. Best effort: a
// persistence failure here is logged, not propagated.
func (o *Orchestrator) fail(session *models.AnalysisSession, datasetID string, cause error) {
	now := time.Now().UTC()
	msg := truncate(cause.Error(), maxErrorLen)

	session.Status = models.SessionError
	session.ErrorMessage = msg
	session.CurrentStep = "Analysis failed"
	session.CompletedAt = &now
	session.ProcessingSeconds = now.Sub(session.StartedAt).Seconds()
	if err := o.sessions.Update(session); err != nil {
		o.logger.Error("Failed to record session error", zap.String("session_id", session.ID), zap.Error(err))
	}
	if err := o.datasets.UpdateStatus(datasetID, models.DatasetError, msg); err != nil {
		o.logger.Error("Failed to record dataset error", zap.String("dataset_id", datasetID), zap.Error(err))
	}
}

func triageResultLabel(err error) string {
	var unavailable *triage.TriageUnavailableError
	if errors.As(err, &unavailable) {
		return "unavailable"
	}
	var format *triage.TriageFormatError
	if errors.As(err, &format) {
		return "format_error"
	}
	return "error"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
