package workspace

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"
)

// Query runs a jq expression over the snapshots, presented as an array of
// their JSON objects. An empty expression yields that array unchanged.
func Query(snapshots []Snapshot, expression string) ([]any, error) {
	data, err := json.Marshal(snapshots)
	if err != nil {
		return nil, err
	}
	var input []any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, err
	}
	if input == nil {
		input = []any{}
	}

	expression = strings.TrimSpace(expression)
	if expression == "" {
		return []any{input}, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression: %w", err)
	}

	var results []any
	iter := query.Run(input)
	for {
		value, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := value.(error); ok {
			return nil, err
		}
		results = append(results, value)
	}
	return results, nil
}
