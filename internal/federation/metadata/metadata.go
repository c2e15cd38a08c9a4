// Package metadata abstracts per-instance deployment configuration.
package metadata

import "strings"

// Well-known configuration keys.
const (
	KeyAccountID         = "accountId"
	KeyInstanceID        = "instanceId"
	KeyConsumerPolicyARN = "consumerPolicyArn"
	KeyProviderPolicyARN = "providerPolicyArn"
)

// PublicMetadata is the subset of instance configuration shared with peers
// on acceptance.
type PublicMetadata struct {
	EventLogURL       string `json:"eventLogUrl"`
	ObjectStoreBucket string `json:"objectStoreBucket"`
}

// Provider exposes this instance's deployment configuration.
type Provider interface {
	// Endpoint returns this instance's public base URL.
	Endpoint() string

	// PublicMetadata returns the locators shared with peers.
	PublicMetadata() PublicMetadata

	// Value returns the configuration value for a well-known key, or the
	// empty string when unset.
	Value(key string) string
}

// Static is a fixed-value Provider used by tests and single-tenant wiring.
type Static struct {
	InstanceEndpoint string
	Metadata         PublicMetadata
	Values           map[string]string
}

// Endpoint returns the configured instance endpoint.
func (s Static) Endpoint() string {
	return strings.TrimSpace(s.InstanceEndpoint)
}

// PublicMetadata returns the configured public locators.
func (s Static) PublicMetadata() PublicMetadata {
	return s.Metadata
}

// Value returns the configured value for key.
func (s Static) Value(key string) string {
	return s.Values[key]
}
