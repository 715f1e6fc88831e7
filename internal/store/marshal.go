package store

import (
	"fmt"

	"github.com/roach88/questflow/internal/answer"
)

// marshalAnswers converts an answer set to canonical JSON TEXT for storage.
func marshalAnswers(a answer.Set) (string, error) {
	data, err := answer.Canonical(a)
	if err != nil {
		return "", fmt.Errorf("marshal answers: %w", err)
	}
	return string(data), nil
}

// unmarshalAnswers parses stored answers. Integers stay json.Number.
func unmarshalAnswers(text string) (answer.Set, error) {
	a, err := answer.Decode([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("unmarshal answers: %w", err)
	}
	return a, nil
}
