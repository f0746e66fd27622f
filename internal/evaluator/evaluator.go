package evaluator

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/ledgerline/gatehouse/internal/domain"
)

// bucketGranularity gives hundredth-of-a-percent resolution so fractional
// rollout percentages remain meaningful.
const bucketGranularity = 10000

// Evaluator implements the pure per-kind decision logic. It holds no flag
// state; the only mutable member is the compiled condition cache.
type Evaluator struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

// New creates an evaluator with an empty condition program cache.
func New() *Evaluator {
	return &Evaluator{
		programs: make(map[string]*vm.Program),
	}
}

// Evaluate decides whether the flag is enabled for the given context.
// Evaluation consumes already-validated definitions only; a failed
// condition run is reported as an error so callers can deny and log it.
func (e *Evaluator) Evaluate(flag domain.Flag, evalCtx domain.EvalContext) (bool, error) {
	enabled, err := e.evaluateKind(flag, evalCtx)
	if err != nil || !enabled {
		return false, err
	}

	if flag.Condition == "" {
		return true, nil
	}

	return e.evaluateCondition(flag.Condition, evalCtx)
}

func (e *Evaluator) evaluateKind(flag domain.Flag, evalCtx domain.EvalContext) (bool, error) {
	switch flag.Kind {
	case domain.KindBoolean:
		return flag.Boolean, nil

	case domain.KindPercentage:
		// Absent subject identity denies deterministically rather than
		// sampling randomly, keeping rollout decisions auditable.
		if evalCtx.SubjectID == "" {
			return false, nil
		}
		return Bucket(flag.Name, evalCtx.SubjectID) < flag.Percentage, nil

	case domain.KindSegment:
		return flag.InSegment(evalCtx.Segment), nil

	case domain.KindTimeWindow:
		now := evalCtx.EffectiveNow()
		// End is exclusive.
		return !now.Before(flag.WindowStart) && now.Before(flag.WindowEnd), nil

	default:
		return false, fmt.Errorf("unsupported flag kind: %s", flag.Kind)
	}
}

// Bucket maps (flag name, subject) onto [0,100) with hundredth-of-a-percent
// granularity. The same pair always lands in the same bucket, which is what
// keeps a rolled-out subject from flapping between enabled and disabled.
func Bucket(flagName, subjectID string) float64 {
	h := xxhash.Sum64String(flagName + ":" + subjectID)
	return float64(h%bucketGranularity) / 100.0
}

func (e *Evaluator) evaluateCondition(condition string, evalCtx domain.EvalContext) (bool, error) {
	program, err := e.program(condition)
	if err != nil {
		return false, err
	}

	out, err := expr.Run(program, evalCtx.ExprEnv())
	if err != nil {
		return false, fmt.Errorf("condition run failed: %w", err)
	}

	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition returned %T, want bool", out)
	}

	return result, nil
}

func (e *Evaluator) program(condition string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.programs[condition]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := CompileCondition(condition)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.programs[condition] = program
	e.mu.Unlock()

	return program, nil
}

// CompileCondition compiles a condition expression. The management boundary
// calls this at write time so malformed conditions never reach evaluation.
func CompileCondition(condition string) (*vm.Program, error) {
	program, err := expr.Compile(condition,
		expr.Env(domain.EvalContext{}.ExprEnv()),
		expr.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compile condition: %w", err)
	}
	return program, nil
}
