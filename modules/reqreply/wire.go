package reqreply

import (
	"encoding/json"
	"fmt"
)

// Op identifies an arithmetic operation.
type Op string

const (
	OpAdd Op = "add"
	OpSub Op = "sub"
	OpMul Op = "mul"
	OpDiv Op = "div"
)

// ParseOp parses user input into an Op.
func ParseOp(s string) (Op, error) {
	switch op := Op(s); op {
	case OpAdd, OpSub, OpMul, OpDiv:
		return op, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOp, s)
	}
}

// Request is the wire form of a calculator request.
type Request struct {
	Operation Op    `json:"operation"`
	Operand1  int32 `json:"operand1"`
	Operand2  int32 `json:"operand2"`
}

// Reply is the wire form of a reply. OK distinguishes results from
// handler failures; Error carries the failure text.
type Reply struct {
	OK     bool    `json:"ok"`
	Result float64 `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// EncodeRequest serializes a request for publishing.
func EncodeRequest(r Request) ([]byte, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	return payload, nil
}

// DecodeRequest parses a request payload. The operation is not validated
// here: unknown operations must reach the handler so the requestor gets
// a failure reply instead of a timeout.
func DecodeRequest(payload []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(payload, &r); err != nil {
		return Request{}, fmt.Errorf("%w: decoding request: %w", ErrProtocol, err)
	}
	return r, nil
}

// EncodeReply serializes a reply for publishing.
func EncodeReply(r Reply) ([]byte, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding reply: %w", err)
	}
	return payload, nil
}

// DecodeReply parses a reply payload.
func DecodeReply(payload []byte) (Reply, error) {
	var r Reply
	if err := json.Unmarshal(payload, &r); err != nil {
		return Reply{}, fmt.Errorf("%w: decoding reply: %w", ErrProtocol, err)
	}
	return r, nil
}
