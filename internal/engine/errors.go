package engine

import "errors"

var (
	// ErrIterationBudget is returned when a step does not produce output within its iteration ceiling.
	ErrIterationBudget = errors.New("iteration budget exceeded")
	// ErrUnsupportedExecutor is returned for steps whose executor the engine cannot drive.
	ErrUnsupportedExecutor = errors.New("unsupported executor")
	// ErrOracle wraps transport and provider failures of the oracle.
	ErrOracle = errors.New("oracle call failed")
	// ErrDepthExceeded marks nested graphs skipped because of the depth cap.
	ErrDepthExceeded = errors.New("nesting depth exceeded")
)
