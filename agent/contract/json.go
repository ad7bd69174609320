package contract

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeModelJSON parses structured JSON out of raw model output, tolerating
// markdown code fences and surrounding prose.
func DecodeModelJSON(raw string, v any) error {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	start := strings.IndexAny(cleaned, "{[")
	if start < 0 {
		return fmt.Errorf("%w: no JSON in model output", ErrSchemaViolation)
	}
	end := strings.LastIndexAny(cleaned, "}]")
	if end < start {
		return fmt.Errorf("%w: unterminated JSON in model output", ErrSchemaViolation)
	}
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), v); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	return nil
}
