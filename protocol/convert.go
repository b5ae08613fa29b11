package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var validHex = regexp.MustCompile(`^[0-9A-F]+$`)

// NormalizeEPC normalizes an EPC or EPC prefix typed in various formats to
// uppercase hex without separators.
// Supports: "E2:00:12:34", "e2001234", "E2 00 12 34", "E2-00-12-34"
func NormalizeEPC(epc string) (string, error) {
	if strings.TrimSpace(epc) == "" {
		return "", fmt.Errorf("empty EPC")
	}

	cleaned := strings.NewReplacer(":", "", " ", "", "-", "").Replace(epc)
	cleaned = strings.ToUpper(cleaned)

	if !validHex.MatchString(cleaned) {
		return "", fmt.Errorf("EPC contains invalid characters: %s", epc)
	}
	return cleaned, nil
}

// NormalizePrefix is NormalizeEPC except that an empty prefix is valid and
// means no filter.
func NormalizePrefix(prefix string) (string, error) {
	if strings.TrimSpace(prefix) == "" {
		return "", nil
	}
	return NormalizeEPC(prefix)
}

// DecodePayload decodes a request payload into v.
func DecodePayload(payload map[string]any, v any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
