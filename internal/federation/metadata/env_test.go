package metadata

import "testing"

func TestFromEnv(t *testing.T) {
	t.Setenv("SSDN_ENDPOINT", "https://ssdn.acme.org")
	t.Setenv("SSDN_ACCOUNT_ID", "123456789012")
	t.Setenv("SSDN_INSTANCE_ID", "acme-prod")
	t.Setenv("SSDN_EVENT_LOG_URL", "https://ssdn.acme.org/events")
	t.Setenv("SSDN_OBJECT_STORE_BUCKET", "acme-ssdn-store")

	provider, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if provider.Endpoint() != "https://ssdn.acme.org" {
		t.Fatalf("unexpected endpoint: %q", provider.Endpoint())
	}
	if provider.Value(KeyAccountID) != "123456789012" {
		t.Fatalf("unexpected account id: %q", provider.Value(KeyAccountID))
	}
	meta := provider.PublicMetadata()
	if meta.EventLogURL != "https://ssdn.acme.org/events" {
		t.Fatalf("unexpected event log url: %q", meta.EventLogURL)
	}
	if meta.ObjectStoreBucket != "acme-ssdn-store" {
		t.Fatalf("unexpected bucket: %q", meta.ObjectStoreBucket)
	}
}

func TestFromEnvRequiresEndpoint(t *testing.T) {
	t.Setenv("SSDN_ENDPOINT", "")
	t.Setenv("SSDN_ACCOUNT_ID", "123456789012")

	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error when SSDN_ENDPOINT is unset")
	}
}

func TestFromEnvRequiresAccountID(t *testing.T) {
	t.Setenv("SSDN_ENDPOINT", "https://ssdn.acme.org")
	t.Setenv("SSDN_ACCOUNT_ID", "")

	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error when SSDN_ACCOUNT_ID is unset")
	}
}
