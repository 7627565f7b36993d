package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var errNoJSON = errors.New("no JSON value in response")

// response is a decoded classifier reply.
type response struct {
	Items []map[string]any
	// Err is a top-level error object. It may accompany items.
	Err *ServiceError
}

// decodeResponse accepts a JSON array of items, an object with "results"
// and/or "error", or a single item object. Code fences and prose around the
// JSON value are ignored.
func decodeResponse(raw string) (response, error) {
	text := stripFences(raw)

	v, err := firstJSONValue(text)
	if err != nil {
		return response{}, err
	}

	switch x := v.(type) {
	case []any:
		return response{Items: objects(x)}, nil
	case map[string]any:
		var resp response
		if e, ok := x["error"]; ok && e != nil {
			if _, isItem := x["caseID"]; !isItem {
				resp.Err = serviceError(e)
			}
		}
		if results, ok := x["results"]; ok {
			list, ok := results.([]any)
			if !ok && results != nil {
				return response{}, fmt.Errorf("results is %T, not a list", results)
			}
			resp.Items = objects(list)
			return resp, nil
		}
		if resp.Err != nil {
			return resp, nil
		}
		if itemID(x) != "" {
			return response{Items: []map[string]any{x}}, nil
		}
		return response{}, errors.New("object has neither results nor error")
	default:
		return response{}, fmt.Errorf("unexpected JSON %T", v)
	}
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}
	body := s[start+3:]
	// Drop the info string (```json).
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	}
	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// firstJSONValue decodes the first array or object found in s. Trailing
// text after the value is ignored.
func firstJSONValue(s string) (any, error) {
	var lastErr error = errNoJSON
	for i := 0; i < len(s); i++ {
		if s[i] != '[' && s[i] != '{' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(s[i:]))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			lastErr = err
			continue
		}
		return v, nil
	}
	return nil, lastErr
}

func objects(list []any) []map[string]any {
	out := make([]map[string]any, 0, len(list))
	for _, v := range list {
		if m, ok := v.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func serviceError(v any) *ServiceError {
	switch e := v.(type) {
	case string:
		return &ServiceError{Message: e}
	case map[string]any:
		se := &ServiceError{
			Code:    stringValue(firstOf(e, "code", "type", "status")),
			Message: stringValue(firstOf(e, "message", "detail", "error")),
		}
		if r, ok := e["retryable"].(bool); ok {
			se.Retryable = r
		}
		if se.Message == "" {
			b, _ := json.Marshal(e)
			se.Message = string(b)
		}
		return se
	default:
		return &ServiceError{Message: stringValue(v)}
	}
}

// itemID returns the echoed case ID of an item.
func itemID(item map[string]any) string {
	return strings.TrimSpace(stringValue(firstOf(item, "caseID", "caseId", "case_id", "id")))
}

// itemError returns the embedded record-level error, if any.
func itemError(item map[string]any) string {
	e, ok := item["error"]
	if !ok || e == nil {
		return ""
	}
	switch x := e.(type) {
	case bool:
		if x {
			return "error flagged by service"
		}
		return ""
	case map[string]any:
		return serviceError(x).Message
	default:
		return stringValue(x)
	}
}

func firstOf(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// stringValue renders scalar JSON values as strings.
func stringValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}
