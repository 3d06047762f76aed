package main

import (
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
)

// eventFilter matches settlement events against an optional transaction hash
// and any number of jq expressions, all of which must be truthy.
type eventFilter struct {
	hash  string
	codes []*gojq.Code
}

func newEventFilter(hash string, jqFilters []string) (*eventFilter, error) {
	f := &eventFilter{hash: hash, codes: make([]*gojq.Code, len(jqFilters))}
	for i, filter := range jqFilters {
		query, err := gojq.Parse(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
		}
		f.codes[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
		}
	}
	return f, nil
}

// Match reports whether the JSON form of event passes the filter.
func (f *eventFilter) Match(hash string, event any) bool {
	if f.hash != "" && hash != f.hash {
		return false
	}
	if len(f.codes) == 0 {
		return true
	}

	// gojq works on plain JSON values, not structs.
	data, err := json.Marshal(event)
	if err != nil {
		return false
	}
	var input any
	if err := json.Unmarshal(data, &input); err != nil {
		return false
	}

	for _, code := range f.codes {
		iter := code.Run(input)
		v, ok := iter.Next()
		if !ok {
			return false
		}
		if _, isErr := v.(error); isErr {
			return false
		}
		if !isTruthy(v) {
			return false
		}
	}
	return true
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}
