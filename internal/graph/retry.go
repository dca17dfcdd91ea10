package graph

import "github.com/ashureev/sqlagent/internal/domain"

// DefaultMaxRetries bounds SQL regeneration after failed validation.
const DefaultMaxRetries = 2

// RetryController owns the retry counter. It looks only at the validation
// outcome and the counter, never at the SQL.
type RetryController struct {
	max int
}

// NewRetryController returns a controller bounded by maxRetries. Negative
// values are treated as zero.
func NewRetryController(maxRetries int) *RetryController {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryController{max: maxRetries}
}

// Max returns the retry bound.
func (r *RetryController) Max() int { return r.max }

// Next returns the counter after an IncrementRetry step. It grows by one on
// an invalid result and never passes the bound.
func (r *RetryController) Next(v domain.Validity, retryCount int) int {
	if v != domain.ValidityInvalid {
		return retryCount
	}
	if retryCount >= r.max {
		return r.max
	}
	return retryCount + 1
}

// ShouldRetry reports whether another generation attempt is allowed.
func (r *RetryController) ShouldRetry(v domain.Validity, retryCount int) bool {
	return v == domain.ValidityInvalid && retryCount < r.max
}

// NextNode is the routing table of the graph. It is a pure function of its
// arguments.
func NextNode(r *RetryController, from NodeID, v domain.Validity, retryCount int, settled bool) NodeID {
	switch from {
	case NodeRetrieval:
		return NodeSQLGenerator
	case NodeSQLGenerator:
		return NodeValidator
	case NodeValidator:
		if v == domain.ValidityValid {
			return NodeExecutor
		}
		return NodeIncrementRetry
	case NodeIncrementRetry:
		if !settled && r.ShouldRetry(v, retryCount) {
			return NodeSQLGenerator
		}
		return NodeResponder
	case NodeExecutor:
		return NodeResponder
	default:
		return NodeTerminal
	}
}
