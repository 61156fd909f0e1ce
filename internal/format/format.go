// Package format turns the result shapes returned by workflow engines into
// text a voice agent can speak.
package format

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Text normalizes a decoded result. Accepted inputs are string, []any,
// map[string]any, json.RawMessage and nil; anything else is printed with %v.
func Text(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.RawMessage:
		return JSON(v)
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, element(item))
		}
		return strings.Join(parts, "\n")
	case map[string]any:
		if c, ok := v["content"]; ok && c != nil {
			return Text(c)
		}
		if t, ok := v["text"]; ok && t != nil {
			return Text(t)
		}
		if d, ok := v["data"]; ok && d != nil {
			return Text(d)
		}
		return marshal(v)
	default:
		return fmt.Sprint(v)
	}
}

// JSON decodes raw and formats it. Undecodable input is returned verbatim.
func JSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return Text(v)
}

func element(item any) string {
	switch v := item.(type) {
	case string:
		return v
	case map[string]any:
		if t, ok := v["text"]; ok && t != nil {
			return Text(t)
		}
		if c, ok := v["content"]; ok && c != nil {
			return Text(c)
		}
		return marshal(v)
	case nil:
		return "null"
	default:
		return marshal(v)
	}
}

func marshal(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}
