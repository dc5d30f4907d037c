package triage

import (
	"encoding/json"
	"fmt"
	"strings"

	"logsentry/internal/models"
)

// SystemInstruction primes the model as a security triage analyst.
const SystemInstruction = `You are a senior security operations analyst.
You receive one anomalous row from a tabular security log together with the
features that contributed most to its anomaly score. Assess the severity of
the event, classify the likely threat, estimate impact, and recommend
remediation actions. Be conservative: if the evidence is weak, say so through
the confidence fields and the false positive probability. Respond with JSON
only, no prose.`

const responseSchema = `{
  "severity": "low|medium|high|critical",
  "severity_score": 0.0,
  "reasoning": ["most important reason first"],
  "threat_classification": {
    "threat_type": "string",
    "attack_stage": "string",
    "technique_ids": ["T1110"],
    "iocs": ["string"],
    "attribution": "string"
  },
  "impact_assessment": {
    "affected_records": 0,
    "data_category": "string",
    "estimated_cost_usd": 0.0,
    "compliance_violations": ["string"]
  },
  "recommended_actions": {
    "immediate": ["string"],
    "short_term": ["string"],
    "long_term": ["string"]
  },
  "confidence": {
    "overall": 0.0,
    "detection": 0.0,
    "classification": 0.0,
    "contextual": 0.0,
    "false_positive_probability": 0.0,
    "requires_human_review": false
  }
}`

// BuildPrompt renders the anomaly context for the triage request.
func BuildPrompt(anomaly *models.Anomaly, dataset *models.Dataset) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Dataset: %s (%d rows, %d columns)\n", dataset.Name, dataset.RowCount, dataset.ColumnCount)
	fmt.Fprintf(&b, "Anomalous row %d", anomaly.RowIndex)
	if anomaly.SheetName != "" {
		fmt.Fprintf(&b, " from sheet %q", anomaly.SheetName)
	}
	fmt.Fprintf(&b, ", reconstruction error %.6g\n\n", anomaly.Score)

	b.WriteString("Top contributing features:\n")
	for i, attr := range anomaly.Attributions {
		fmt.Fprintf(&b, "%d. %s = %q", i+1, attr.Feature, attr.Actual)
		if attr.Expected != "" {
			fmt.Fprintf(&b, " (expected around %q)", attr.Expected)
		}
		if attr.Deviation != "" {
			fmt.Fprintf(&b, " - %s", attr.Deviation)
		}
		b.WriteByte('\n')
	}

	rowJSON, err := json.Marshal(anomaly.RowData)
	if err == nil {
		fmt.Fprintf(&b, "\nFull row data:\n%s\n", rowJSON)
	}

	fmt.Fprintf(&b, "\nRespond with a JSON object in exactly this shape:\n%s\n", responseSchema)
	return b.String()
}

// StrictPrompt is the retry prompt used after a malformed response.
func StrictPrompt(prompt string) string {
	return "Your previous answer was not valid JSON matching the required schema. " +
		"Return ONLY one JSON object, with no markdown fences and no text before or after it. " +
		"Every field in the schema must be present.\n\n" + prompt
}
