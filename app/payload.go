package app

import (
	"fmt"
)

// Payload helpers for the loosely-typed event data maps. Each trigger's
// schema is checked at the bus boundary via the function's Validate hook so
// malformed events are rejected before a run is created.

func stringField(data map[string]any, key string) (string, error) {
	raw, ok := data[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("field %s is not a non-empty string", key)
	}
	return s, nil
}

func optionalStringField(data map[string]any, key string) string {
	if raw, ok := data[key]; ok {
		if s, ok := raw.(string); ok {
			return s
		}
	}
	return ""
}

// primaryEmail extracts email_addresses[0].email_address from an identity
// provider payload.
func primaryEmail(data map[string]any) (string, error) {
	raw, ok := data["email_addresses"]
	if !ok {
		return "", fmt.Errorf("missing field email_addresses")
	}
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return "", fmt.Errorf("email_addresses is empty")
	}
	first, ok := list[0].(map[string]any)
	if !ok {
		return "", fmt.Errorf("email_addresses[0] is not an object")
	}
	return stringField(first, "email_address")
}

func validateIdentityPayload(data map[string]any) error {
	if _, err := stringField(data, "id"); err != nil {
		return err
	}
	if _, err := primaryEmail(data); err != nil {
		return err
	}
	return nil
}

func validateIdOnly(key string) func(map[string]any) error {
	return func(data map[string]any) error {
		_, err := stringField(data, key)
		return err
	}
}
