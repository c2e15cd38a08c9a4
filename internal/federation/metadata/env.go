package metadata

import (
	"github.com/learningtapestry/ssdn-sub000/internal/platform/config"
)

type envValues struct {
	Endpoint          string `env:"SSDN_ENDPOINT"`
	AccountID         string `env:"SSDN_ACCOUNT_ID"`
	InstanceID        string `env:"SSDN_INSTANCE_ID"`
	EventLogURL       string `env:"SSDN_EVENT_LOG_URL"`
	ObjectStoreBucket string `env:"SSDN_OBJECT_STORE_BUCKET"`
	ConsumerPolicyARN string `env:"SSDN_CONSUMER_POLICY_ARN"`
	ProviderPolicyARN string `env:"SSDN_PROVIDER_POLICY_ARN"`
}

// FromEnv builds a Provider from SSDN_-prefixed environment variables.
// SSDN_ENDPOINT and SSDN_ACCOUNT_ID are required.
func FromEnv() (Provider, error) {
	var raw envValues
	if err := config.ParseEnv(&raw); err != nil {
		return nil, err
	}
	if err := config.RequireNonEmpty("SSDN_ENDPOINT", raw.Endpoint); err != nil {
		return nil, err
	}
	if err := config.RequireNonEmpty("SSDN_ACCOUNT_ID", raw.AccountID); err != nil {
		return nil, err
	}
	return Static{
		InstanceEndpoint: raw.Endpoint,
		Metadata: PublicMetadata{
			EventLogURL:       raw.EventLogURL,
			ObjectStoreBucket: raw.ObjectStoreBucket,
		},
		Values: map[string]string{
			KeyAccountID:         raw.AccountID,
			KeyInstanceID:        raw.InstanceID,
			KeyConsumerPolicyARN: raw.ConsumerPolicyARN,
			KeyProviderPolicyARN: raw.ProviderPolicyARN,
		},
	}, nil
}
