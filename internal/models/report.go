package models

import "time"

// Severity of a triaged anomaly. Closed set.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a member of the closed severity set.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// ReportStatus is the review lifecycle of a triage report. Closed set.
type ReportStatus string

const (
	ReportPendingTriage ReportStatus = "pending_triage"
	ReportTriaged       ReportStatus = "triaged"
	ReportUnderReview   ReportStatus = "under_review"
	ReportResolved      ReportStatus = "resolved"
	ReportFalsePositive ReportStatus = "false_positive"
)

// Valid reports whether s is a member of the closed status set.
func (s ReportStatus) Valid() bool {
	switch s {
	case ReportPendingTriage, ReportTriaged, ReportUnderReview,
		ReportResolved, ReportFalsePositive:
		return true
	}
	return false
}

// ThreatClassification is the LLM's classification of the anomaly.
type ThreatClassification struct {
	ThreatType   string   `json:"threat_type"`
	AttackStage  string   `json:"attack_stage,omitempty"`
	TechniqueIDs []string `json:"technique_ids,omitempty"`
	IOCs         []string `json:"iocs,omitempty"`
	Attribution  string   `json:"attribution,omitempty"`
}

// ImpactAssessment estimates the blast radius of the anomaly.
type ImpactAssessment struct {
	AffectedRecords      int      `json:"affected_records"`
	DataCategory         string   `json:"data_category,omitempty"`
	EstimatedCostUSD     float64  `json:"estimated_cost_usd,omitempty"`
	ComplianceViolations []string `json:"compliance_violations,omitempty"`
}

// RecommendedActions are prioritized remediation steps.
type RecommendedActions struct {
	Immediate []string `json:"immediate"`
	ShortTerm []string `json:"short_term,omitempty"`
	LongTerm  []string `json:"long_term,omitempty"`
}

// ConfidenceBreakdown holds the model's self-reported confidences, each in [0,1].
type ConfidenceBreakdown struct {
	Overall                  float64 `json:"overall"`
	Detection                float64 `json:"detection"`
	Classification           float64 `json:"classification"`
	Contextual               float64 `json:"contextual"`
	FalsePositiveProbability float64 `json:"false_positive_probability"`
	RequiresHumanReview      bool    `json:"requires_human_review"`
}

// TriagePayload is the validated triage content produced by the LLM adapter.
// It is treated as untrusted input until validated; see the triage package.
type TriagePayload struct {
	Severity       Severity             `json:"severity"`
	SeverityScore  float64              `json:"severity_score"`
	Reasoning      []string             `json:"reasoning"`
	Classification ThreatClassification `json:"threat_classification"`
	Impact         ImpactAssessment     `json:"impact_assessment"`
	Actions        RecommendedActions   `json:"recommended_actions"`
	Confidence     ConfidenceBreakdown  `json:"confidence"`
}

// TriageReport is the 1:1 triage result for an anomaly. Created as a
// pending placeholder at detection time, populated by the triage adapter,
// and afterwards mutated only by user review actions.
type TriageReport struct {
	ID        string `db:"id" json:"id"`
	AnomalyID string `db:"anomaly_id" json:"anomaly_id"`
	DatasetID string `db:"dataset_id" json:"dataset_id"`
	OwnerID   int64  `db:"owner_id" json:"owner_id"`

	Payload *TriagePayload `db:"-" json:"triage,omitempty"`

	// Provenance of the generated payload.
	Model        string     `db:"model" json:"model,omitempty"`
	GeneratedAt  *time.Time `db:"generated_at" json:"generated_at,omitempty"`
	ProcessingMS int64      `db:"processing_ms" json:"processing_ms,omitempty"`

	// TriageError distinguishes a failed triage attempt from one that has
	// not run yet: a pending report with a non-empty error was attempted.
	TriageError string `db:"triage_error" json:"triage_error,omitempty"`

	Status          ReportStatus `db:"status" json:"status"`
	AssignedTo      string       `db:"assigned_to" json:"assigned_to,omitempty"`
	ResolutionNotes string       `db:"resolution_notes" json:"resolution_notes,omitempty"`
	UserFeedback    string       `db:"user_feedback" json:"user_feedback,omitempty"`
	CreatedAt       time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at" json:"updated_at"`
}
