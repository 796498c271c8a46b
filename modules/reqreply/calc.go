package reqreply

import (
	"errors"
	"fmt"
)

var (
	ErrDivisionByZero = errors.New("division by zero")
	ErrUnknownOp      = errors.New("unknown operation")
)

// Calculate applies a request's operation to its operands. It is the
// reference handler served by the calculator replier. Arithmetic happens
// in float64 so large products do not wrap and division is exact.
func Calculate(r Request) (float64, error) {
	a, b := float64(r.Operand1), float64(r.Operand2)
	switch r.Operation {
	case OpAdd:
		return a + b, nil
	case OpSub:
		return a - b, nil
	case OpMul:
		return a * b, nil
	case OpDiv:
		if r.Operand2 == 0 {
			return 0, ErrDivisionByZero
		}
		return a / b, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownOp, r.Operation)
	}
}
