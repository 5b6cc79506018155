package engine

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/itchyny/gojq"
)

// sessionFileTelemetry extracts token usage from an engine's on-disk session
// file using a jq query. Engines that stream usage in-band return nil from
// SessionTelemetry and never reach this path.
//
// The query must produce a stream of {input, output, cost?} objects, one per
// turn; values are summed across the stream.
type sessionFileTelemetry struct {
	query *gojq.Query
}

func newSessionFileTelemetry(jqExpr string) *sessionFileTelemetry {
	q, err := gojq.Parse(jqExpr)
	if err != nil {
		// Queries are compile-time constants per adapter.
		panic(fmt.Sprintf("engine: bad telemetry query %q: %v", jqExpr, err))
	}
	return &sessionFileTelemetry{query: q}
}

// extract reads path and sums per-turn usage. A missing file yields (nil, nil):
// the engine simply has no record for the session yet.
func (s *sessionFileTelemetry) extract(path string) (*Telemetry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse session file: %w", err)
	}

	total := &Telemetry{}
	iter := s.query.Run(doc)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("telemetry query: %w", err)
		}
		m, isMap := v.(map[string]interface{})
		if !isMap {
			continue
		}
		total.InputTokens += asInt64(m["input"])
		total.OutputTokens += asInt64(m["output"])
		total.CostUSD += asFloat(m["cost"])
	}
	if total.InputTokens == 0 && total.OutputTokens == 0 && total.CostUSD == 0 {
		return nil, nil
	}
	return total, nil
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case int64:
		return n
	default:
		return 0
	}
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}
