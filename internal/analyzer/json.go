package analyzer

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/models"
)

// single quoted keys and values at structural boundaries, longest first
var quoteFixer = strings.NewReplacer(
	"{'", `{"`,
	"['", `["`,
	"', '", `", "`,
	"': '", `": "`,
	"':", `":`,
	": '", `: "`,
	", '", `, "`,
	"',", `",`,
	"'}", `"}`,
	"']", `"]`,
)

var trailingComma = regexp.MustCompile(`,\s*([}\]])`)

// ParseJSONOutput extracts a JSON object from model output. It accepts a bare
// object, one wrapped in a markdown code fence, an object surrounded by prose,
// objects that use single quotes as string delimiters, and trailing commas.
func ParseJSONOutput(raw string) (map[string]any, error) {
	s := stripFences(strings.TrimSpace(raw))

	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err == nil {
		return out, nil
	}

	start, end := strings.Index(s, "{"), strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object in model output", models.ErrParse)
	}
	s = s[start : end+1]
	if err := json.Unmarshal([]byte(s), &out); err == nil {
		return out, nil
	}

	fixed := trailingComma.ReplaceAllString(quoteFixer.Replace(s), "$1")
	err := json.Unmarshal([]byte(fixed), &out)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid JSON in model output: %v", models.ErrParse, err)
	}
	return out, nil
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = s[3:]
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && isLanguageTag(s[:nl]) {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

func isLanguageTag(s string) bool {
	s = strings.TrimSpace(s)
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

// parseDescription reads the description field out of model output.
func parseDescription(raw string) (Description, error) {
	obj, err := ParseJSONOutput(raw)
	if err != nil {
		return Description{}, err
	}
	v, ok := obj["description"]
	if !ok {
		return Description{}, fmt.Errorf("%w: model output has no description field", models.ErrParse)
	}
	s, ok := v.(string)
	if !ok {
		return Description{}, fmt.Errorf("%w: description is %T, not a string", models.ErrParse, v)
	}
	return Description{Description: strings.TrimSpace(s)}, nil
}
