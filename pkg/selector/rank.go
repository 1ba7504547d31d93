package selector

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// rankExpr computes a numeric priority score for a single event: same
// cohort as the anchor scores highest, then a continuous recency term.
// The program is compiled once at process start and reused per request
// — CEL never mutates the ranking inputs, so compiling once is safe
// and avoids re-parsing the expression on every selector invocation.
const rankExpr = `(same_cohort ? 1000.0 : 0.0) + recency_rank`

var rankEnv *cel.Env
var rankProgram cel.Program

func init() {
	env, err := cel.NewEnv(
		cel.Variable("same_cohort", cel.BoolType),
		cel.Variable("recency_rank", cel.DoubleType),
	)
	if err != nil {
		panic(fmt.Sprintf("selector: failed to build CEL ranking environment: %v", err))
	}
	ast, iss := env.Compile(rankExpr)
	if iss != nil && iss.Err() != nil {
		panic(fmt.Sprintf("selector: failed to compile ranking expression: %v", iss.Err()))
	}
	prg, err := env.Program(ast)
	if err != nil {
		panic(fmt.Sprintf("selector: failed to build ranking program: %v", err))
	}
	rankEnv = env
	rankProgram = prg
}

// celRankScore evaluates the compiled ranking expression for one
// event. recencyRank is a caller-supplied monotonic rank (e.g. index
// into a timestamp-sorted list, inverted) rather than a raw timestamp,
// since CEL has no need to parse RFC-3339 itself.
func celRankScore(sameCohort bool, recencyRank float64) float64 {
	out, _, err := rankProgram.Eval(map[string]any{
		"same_cohort":  sameCohort,
		"recency_rank": recencyRank,
	})
	if err != nil {
		// The expression is a fixed constant compiled at init time; a
		// runtime eval error here means the CEL runtime itself is
		// broken, not a bad rule. Fall back to the cohort-only score so
		// ranking degrades gracefully rather than panicking per request.
		if sameCohort {
			return 1000.0
		}
		return 0.0
	}
	v, ok := out.Value().(float64)
	if !ok {
		return 0
	}
	return v
}
