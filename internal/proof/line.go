package proof

// Kind classifies one unit of prover output.
type Kind string

const (
	KindStatus    Kind = "status"
	KindClause    Kind = "clause"
	KindProofStep Kind = "proof_step"
	KindPrompt    Kind = "prompt"
	KindError     Kind = "error"
	KindUnparsed  Kind = "unparsed"
)

// Line is one parsed unit of prover output. Lines are values; the parser
// never shares Fields maps between lines.
type Line struct {
	// ID is the clause number when the line denotes a selectable entity.
	// It is unique within the batch it was parsed from.
	ID      *int
	Kind    Kind
	RawText string
	Fields  map[string]string
}

// Outcome summarises how a finished prover run ended.
type Outcome string

const (
	OutcomeNone       Outcome = ""
	OutcomeRefutation Outcome = "refutation"
	OutcomeSaturation Outcome = "saturation"
	OutcomeUnknown    Outcome = "unknown"
)

var refutationStatuses = map[string]bool{
	"Unsatisfiable":       true,
	"Theorem":             true,
	"ContradictoryAxioms": true,
}

var saturationStatuses = map[string]bool{
	"Satisfiable":        true,
	"CounterSatisfiable": true,
}

// Classify derives the run outcome from the status lines of a batch.
func Classify(lines []Line) Outcome {
	outcome := OutcomeUnknown
	for _, l := range lines {
		if l.Kind != KindStatus {
			continue
		}
		if szs := l.Fields["szs"]; szs != "" {
			if refutationStatuses[szs] {
				return OutcomeRefutation
			}
			if saturationStatuses[szs] {
				outcome = OutcomeSaturation
			}
		}
		msg := l.Fields["message"]
		switch {
		case containsFold(msg, "refutation found"):
			return OutcomeRefutation
		case containsFold(msg, "termination reason: satisfiable"):
			outcome = OutcomeSaturation
		}
	}
	return outcome
}
