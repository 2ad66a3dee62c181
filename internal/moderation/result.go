package moderation

// Verdict is the outcome class of one moderation check.
type Verdict int

const (
	// Allowed means the check completed and found nothing.
	Allowed Verdict = iota
	// Violation means the check completed and confirmed a policy violation.
	Violation
	// Unavailable means the check could not complete.
	Unavailable
)

func (v Verdict) String() string {
	switch v {
	case Allowed:
		return "allowed"
	case Violation:
		return "violation"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Result is what every moderation check returns. Err is set only for
// Unavailable; Similarity only for duplicate checks that produced a score.
type Result struct {
	Verdict    Verdict
	Reason     string
	Err        error
	Similarity *SimilarityVerdict
}

func allow(reason string) Result   { return Result{Verdict: Allowed, Reason: reason} }
func violate(reason string) Result { return Result{Verdict: Violation, Reason: reason} }
func unavailable(err error) Result { return Result{Verdict: Unavailable, Reason: "moderation unavailable", Err: err} }

// Permits is the fail-open rule: only a confirmed violation blocks.
func (r Result) Permits() bool {
	return r.Verdict != Violation
}
