// internal/query/validation.go
package query

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	custom_errors "github-knowledge-store/internal/errors"
	"github-knowledge-store/internal/model"
)

// decodeInput strictly decodes raw into dst: the input must be a JSON object, every field
// must be a declared parameter with the declared JSON type, and required parameters must be
// present and non-null. Nothing is coerced.
func decodeInput(raw json.RawMessage, desc Descriptor, dst any) error {
	data := bytes.TrimSpace(raw)
	if len(data) == 0 {
		data = []byte("{}")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return &custom_errors.ValidationError{Reason: "input must be a JSON object"}
	}

	params := make(map[string]Param, len(desc.Params))
	for _, p := range desc.Params {
		params[p.Name] = p
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := params[name]; !ok {
			return &custom_errors.ValidationError{Field: name, Reason: fmt.Sprintf("is not a parameter of %s", desc.Name)}
		}
	}

	for _, p := range desc.Params {
		value, ok := fields[p.Name]
		if !ok || jsonKind(value) == "null" {
			if p.Required {
				return &custom_errors.ValidationError{Field: p.Name, Reason: "is required"}
			}
			continue
		}
		if err := checkParam(p, value); err != nil {
			return err
		}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &custom_errors.ValidationError{Reason: err.Error()}
	}
	return nil
}

func checkParam(p Param, value json.RawMessage) error {
	kind := jsonKind(value)
	switch p.Type {
	case TypeString:
		if kind != "string" {
			return &custom_errors.ValidationError{Field: p.Name, Reason: "must be a string, got " + kind}
		}
	case TypeObject:
		if kind != "object" {
			return &custom_errors.ValidationError{Field: p.Name, Reason: "must be an object, got " + kind}
		}
	case TypeInteger:
		var n int64
		if kind != "number" || json.Unmarshal(value, &n) != nil {
			return &custom_errors.ValidationError{Field: p.Name, Reason: "must be an integer, got " + kind}
		}
		if p.Minimum != nil && n < int64(*p.Minimum) {
			return &custom_errors.ValidationError{Field: p.Name, Reason: fmt.Sprintf("must be at least %d", *p.Minimum)}
		}
		if p.Maximum != nil && n > int64(*p.Maximum) {
			return &custom_errors.ValidationError{Field: p.Name, Reason: fmt.Sprintf("must be at most %d", *p.Maximum)}
		}
	}
	return nil
}

// jsonKind names the JSON type of an already well-formed value.
func jsonKind(v json.RawMessage) string {
	v = bytes.TrimSpace(v)
	if len(v) == 0 {
		return "null"
	}
	switch v[0] {
	case '"':
		return "string"
	case '{':
		return "object"
	case '[':
		return "array"
	case 't', 'f':
		return "boolean"
	case 'n':
		return "null"
	default:
		return "number"
	}
}

func validateUser(user string) error {
	if !model.ValidHandle(user) {
		return &custom_errors.ValidationError{Field: "user", Reason: "must be a valid GitHub login"}
	}
	return nil
}

func validateRepoName(name string) error {
	if name == "" || len(name) > 100 {
		return &custom_errors.ValidationError{Field: "repo", Reason: "must be a repository name of 1 to 100 characters"}
	}
	return nil
}

// constraint is one decoded kind=value signal filter.
type constraint struct {
	kind  model.SignalKind
	value any
}

// parseConstraints validates a signals object against the known kinds and their value types.
func parseConstraints(raw map[string]json.RawMessage) ([]constraint, error) {
	if len(raw) == 0 {
		return nil, &custom_errors.ValidationError{Field: "signals", Reason: "must contain at least one constraint"}
	}
	kinds := make([]string, 0, len(raw))
	for k := range raw {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	out := make([]constraint, 0, len(raw))
	for _, k := range kinds {
		kind := model.SignalKind(k)
		want, ok := model.KindType(kind)
		if !ok {
			return nil, &custom_errors.ValidationError{Field: "signals." + k, Reason: "is not a known signal kind"}
		}
		value := raw[k]
		got := jsonKind(value)
		var decoded any
		var err error
		switch want {
		case model.ValueBool:
			if got != "boolean" {
				break
			}
			var b bool
			err = json.Unmarshal(value, &b)
			decoded = b
		case model.ValueNumber:
			if got != "number" {
				break
			}
			var n float64
			err = json.Unmarshal(value, &n)
			decoded = n
		case model.ValueText:
			if got != "string" {
				break
			}
			var s string
			err = json.Unmarshal(value, &s)
			decoded = s
		}
		if decoded == nil || err != nil {
			return nil, &custom_errors.ValidationError{Field: "signals." + k, Reason: fmt.Sprintf("must be a %s, got %s", want, got)}
		}
		out = append(out, constraint{kind: kind, value: decoded})
	}
	return out, nil
}

// limitOr returns *limit, or def when the caller left it out.
func limitOr(limit *int, def int) int {
	if limit == nil {
		return def
	}
	return *limit
}

func intPtr(v int) *int { return &v }
