package pipeline

import "encoding/json"

// TraceResult is the outcome of running one candidate against one trace.
type TraceResult struct {
	TraceID   string `json:"trace_id"`
	Label     bool   `json:"label"`     // human ground truth, true = positive
	Predicted bool   `json:"predicted"` // candidate's verdict, meaningless when Errored
	Reason    string `json:"reason,omitempty"`
	Errored   bool   `json:"errored"`
	TimeMs    int64  `json:"time_ms"`
}

// ConfusionMatrix counts agreement between candidate verdicts and human
// labels, with "pass" as the positive class.
type ConfusionMatrix struct {
	TruePositives  int `json:"true_positives"`
	TrueNegatives  int `json:"true_negatives"`
	FalsePositives int `json:"false_positives"`
	FalseNegatives int `json:"false_negatives"`
}

// Scorecard aggregates one candidate's results over the labeled set.
// Execution errors count against the candidate: an errored trace is in
// both Errors and Total and is scored as an incorrect prediction.
type Scorecard struct {
	Correct   int             `json:"correct"`
	Incorrect int             `json:"incorrect"`
	Errors    int             `json:"errors"`
	Total     int             `json:"total"`
	Accuracy  float64         `json:"accuracy"`
	Kappa     float64         `json:"kappa"`
	F1        float64         `json:"f1"`
	Confusion ConfusionMatrix `json:"confusion_matrix"`
}

// Score computes the scorecard for one candidate's trace results.
func Score(results []TraceResult) Scorecard {
	var sc Scorecard
	for _, r := range results {
		sc.Total++
		switch {
		case r.Errored:
			// An error is the candidate failing to judge the trace. It
			// lands in the confusion cell that disagrees with the label.
			sc.Errors++
			sc.Incorrect++
			if r.Label {
				sc.Confusion.FalseNegatives++
			} else {
				sc.Confusion.FalsePositives++
			}
		case r.Predicted == r.Label:
			sc.Correct++
			if r.Label {
				sc.Confusion.TruePositives++
			} else {
				sc.Confusion.TrueNegatives++
			}
		default:
			sc.Incorrect++
			if r.Label {
				sc.Confusion.FalseNegatives++
			} else {
				sc.Confusion.FalsePositives++
			}
		}
	}
	if sc.Total > 0 {
		sc.Accuracy = float64(sc.Correct) / float64(sc.Total)
	}
	sc.Kappa = cohenKappa(sc.Confusion)
	sc.F1 = f1Score(sc.Confusion)
	return sc
}

// cohenKappa measures agreement beyond chance between the candidate and
// the human labels. When expected agreement is 1 the statistic is
// undefined; perfect observed agreement maps to 1 and anything else to 0.
func cohenKappa(cm ConfusionMatrix) float64 {
	total := cm.TruePositives + cm.TrueNegatives + cm.FalsePositives + cm.FalseNegatives
	if total == 0 {
		return 0
	}
	n := float64(total)
	po := float64(cm.TruePositives+cm.TrueNegatives) / n

	predPos := float64(cm.TruePositives + cm.FalsePositives)
	predNeg := float64(cm.FalseNegatives + cm.TrueNegatives)
	truthPos := float64(cm.TruePositives + cm.FalseNegatives)
	truthNeg := float64(cm.FalsePositives + cm.TrueNegatives)
	pe := (predPos*truthPos + predNeg*truthNeg) / (n * n)

	if pe == 1 {
		if po == 1 {
			return 1
		}
		return 0
	}
	return (po - pe) / (1 - pe)
}

// f1Score is the harmonic mean of precision and recall with "pass" as
// the positive class. Zero when the candidate never predicts a true
// positive.
func f1Score(cm ConfusionMatrix) float64 {
	denom := 2*cm.TruePositives + cm.FalsePositives + cm.FalseNegatives
	if denom == 0 {
		return 0
	}
	return 2 * float64(cm.TruePositives) / float64(denom)
}

func marshalJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
