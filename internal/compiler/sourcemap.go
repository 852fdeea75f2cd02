package compiler

import "encoding/json"

// rewriteSourceMapFields rewrites a validated source map's sources/
// sourcesContent to reference the module's absolute path and original text
// (§4.4 step 6). go-sourcemap/sourcemap is read-only (Parse + Consumer), so
// the rewrite is done at the JSON level directly.
func rewriteSourceMapFields(raw, absolutePath, originalSource string) (string, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", err
	}
	doc["sources"] = []string{absolutePath}
	doc["sourcesContent"] = []string{originalSource}

	out, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
