package inmem

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPattern is returned for malformed subscription patterns.
var ErrInvalidPattern = errors.New("invalid subscription pattern")

// subjectTree indexes subscriptions by dot-separated destination tokens.
// "*" matches exactly one token, ">" matches one or more trailing tokens
// and may only appear last. The caller provides locking.
type subjectTree struct {
	root *subjectNode
}

type subjectNode struct {
	subs map[*subscription]struct{}
	next map[string]*subjectNode
}

func newSubjectTree() *subjectTree {
	return &subjectTree{root: newSubjectNode()}
}

func newSubjectNode() *subjectNode {
	return &subjectNode{next: make(map[string]*subjectNode, 4)}
}

// splitPattern tokenizes and validates a subscription pattern.
func splitPattern(pattern string) ([]string, error) {
	if pattern == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPattern)
	}
	tokens := strings.Split(pattern, ".")
	for i, tok := range tokens {
		switch {
		case tok == "":
			return nil, fmt.Errorf("%w: empty token in %q", ErrInvalidPattern, pattern)
		case tok == ">" && i != len(tokens)-1:
			return nil, fmt.Errorf("%w: %q may only end with '>'", ErrInvalidPattern, pattern)
		}
	}
	return tokens, nil
}

func (t *subjectTree) insert(tokens []string, sub *subscription) {
	n := t.root
	for _, tok := range tokens {
		c, ok := n.next[tok]
		if !ok {
			c = newSubjectNode()
			n.next[tok] = c
		}
		n = c
	}
	if n.subs == nil {
		n.subs = make(map[*subscription]struct{}, 1)
	}
	n.subs[sub] = struct{}{}
}

// remove deletes the subscription and prunes nodes that became empty.
func (t *subjectTree) remove(tokens []string, sub *subscription) {
	removeSubjectNode(t.root, tokens, sub)
}

func removeSubjectNode(n *subjectNode, tokens []string, sub *subscription) (empty bool) {
	if len(tokens) == 0 {
		delete(n.subs, sub)
		if len(n.subs) == 0 {
			n.subs = nil
		}
		return n.subs == nil && len(n.next) == 0
	}
	if c, ok := n.next[tokens[0]]; ok {
		if removeSubjectNode(c, tokens[1:], sub) {
			delete(n.next, tokens[0])
		}
	}
	return n.subs == nil && len(n.next) == 0
}

// match collects every subscription whose pattern matches the subject tokens.
// A subscription covered by multiple branches is still collected once.
func (t *subjectTree) match(tokens []string, out map[*subscription]struct{}) {
	matchSubjectNode(t.root, tokens, out)
}

func matchSubjectNode(n *subjectNode, tokens []string, out map[*subscription]struct{}) {
	// ">" matches one or more remaining tokens.
	if len(tokens) > 0 {
		if c, ok := n.next[">"]; ok {
			for s := range c.subs {
				out[s] = struct{}{}
			}
		}
	}
	if len(tokens) == 0 {
		for s := range n.subs {
			out[s] = struct{}{}
		}
		return
	}
	if c, ok := n.next[tokens[0]]; ok {
		matchSubjectNode(c, tokens[1:], out)
	}
	if c, ok := n.next["*"]; ok {
		matchSubjectNode(c, tokens[1:], out)
	}
}
