package resolver

import "encoding/json"

// extractJSONStringField reads a single top-level string field out of a
// package.json payload, used only to honor "main" during directory
// resolution (§4.1 file-resolution step (c)).
func extractJSONStringField(data []byte, field string) (string, bool) {
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", false
	}
	v, ok := doc[field]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
