package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// StripFences removes a surrounding markdown code fence, if any
func StripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}

	// drop the opening fence line, including any language tag
	nl := strings.IndexByte(trimmed, '\n')
	if nl < 0 {
		return strings.TrimSpace(strings.Trim(trimmed, "`"))
	}
	body := trimmed[nl+1:]

	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// DecodeJSON parses text as exactly one JSON value into v
func DecodeJSON(text string, v any) error {
	body := StripFences(text)
	if body == "" {
		return errors.New("failed to decode model output: empty")
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to decode model output: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("failed to decode model output: trailing data after JSON value")
	}
	return nil
}
