package specialist

import "github.com/okoabh/okoa-automated-processor-sub000/internal/domain"

// Defaults returns the bundled specialist profiles. Deployments can
// register more on top.
func Defaults() []Profile {
	return []Profile{
		{
			Type:  "invoice",
			Model: "gpt-4o-mini",
			ContextPrompt: "You are an invoice processing specialist. Extract vendor, " +
				"line items, totals, tax amounts and payment terms from the document.",
			WarmCost:         0.05,
			EstimatedJobCost: 0.02,
			ResultKind:       domain.ResultExtraction,
		},
		{
			Type:  "contract",
			Model: "gpt-4o",
			ContextPrompt: "You are a contract analysis specialist. Summarize parties, " +
				"obligations, effective dates, termination clauses and unusual terms.",
			WarmCost:         0.20,
			EstimatedJobCost: 0.08,
			ResultKind:       domain.ResultSummary,
		},
		{
			Type:  "receipt",
			Model: "gpt-4o-mini",
			ContextPrompt: "You are a receipt processing specialist. Extract merchant, " +
				"date, amount, currency and expense category.",
			WarmCost:         0.01,
			EstimatedJobCost: 0.005,
			ResultKind:       domain.ResultExtraction,
		},
		{
			Type:  "meeting_recording",
			Model: "gpt-4o",
			ContextPrompt: "You are a meeting transcription specialist. Produce a clean " +
				"transcript with speaker segments and a list of action items.",
			WarmCost:         0.10,
			EstimatedJobCost: 0.15,
			ResultKind:       domain.ResultTranscript,
		},
	}
}
