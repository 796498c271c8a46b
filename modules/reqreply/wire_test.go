package reqreply_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/msgkit/msgkit/modules/reqreply"
)

func TestParseOp(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		for _, s := range []string{"add", "sub", "mul", "div"} {
			op, err := reqreply.ParseOp(s)
			require.NoError(t, err)
			require.Equal(t, reqreply.Op(s), op)
		}
	})

	t.Run("err unknown", func(t *testing.T) {
		for _, s := range []string{"", "mod", "ADD", "plus"} {
			_, err := reqreply.ParseOp(s)
			require.ErrorIs(t, err, reqreply.ErrUnknownOp, "input %q", s)
		}
	})
}

func TestDecodeMalformed(t *testing.T) {
	_, err := reqreply.DecodeRequest([]byte("{not json"))
	require.ErrorIs(t, err, reqreply.ErrProtocol)

	_, err = reqreply.DecodeReply([]byte("[]"))
	require.ErrorIs(t, err, reqreply.ErrProtocol)
}

func TestCalculate(t *testing.T) {
	t.Run("err division by zero", func(t *testing.T) {
		_, err := reqreply.Calculate(reqreply.Request{
			Operation: reqreply.OpDiv, Operand1: 9,
		})
		require.ErrorIs(t, err, reqreply.ErrDivisionByZero)
	})

	t.Run("err unknown operation", func(t *testing.T) {
		_, err := reqreply.Calculate(reqreply.Request{Operation: "mod"})
		require.ErrorIs(t, err, reqreply.ErrUnknownOp)
	})
}
