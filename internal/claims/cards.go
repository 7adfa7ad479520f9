package claims

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CardText builds the compact pipe-delimited card embedded for a
// claim. The card doubles as the claim's canonical value, so the
// format is part of the dedupe key and must stay stable.
func CardText(claimType string, valueJSON []byte) string {
	var value map[string]interface{}
	if err := json.Unmarshal(valueJSON, &value); err != nil || len(value) == 0 {
		return claimType + " |"
	}

	switch claimType {
	case "ACTOR", "OBJECT":
		return fmt.Sprintf("%s | %s", claimType, stringField(value, "name"))
	case "STATE":
		return fmt.Sprintf("STATE | %s | %s", stringField(value, "object_name"), stringField(value, "state"))
	case "ACTION":
		card := fmt.Sprintf("ACTION | %s | %s | %s",
			stringField(value, "actor"), stringField(value, "verb"), stringField(value, "object"))
		if quals := qualifierText(value); quals != "" {
			card += " | " + quals
		}
		return card
	case "DENY":
		return fmt.Sprintf("DENY | %s | %s | %s",
			stringField(value, "actor"), stringField(value, "verb"), stringField(value, "object"))
	}
	return fmt.Sprintf("%s | %v", claimType, value)
}

// qualifierText flattens the optional qualifiers list into one
// space-joined segment, skipping empty entries.
func qualifierText(value map[string]interface{}) string {
	raw, ok := value["qualifiers"].([]interface{})
	if !ok {
		return ""
	}
	parts := make([]string, 0, len(raw))
	for _, q := range raw {
		s, _ := q.(string)
		s = strings.TrimSpace(s)
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}
