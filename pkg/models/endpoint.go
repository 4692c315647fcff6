package models

import "strings"

// EndpointKey normalizes a provider/model pair into the lowercase
// "provider:model" key used everywhere learned state is tracked.
func EndpointKey(provider, model string) string {
	return strings.ToLower(strings.TrimSpace(provider)) + ":" + strings.ToLower(strings.TrimSpace(model))
}
