package storage

import (
	"testing"

	apperrors "github.com/learningtapestry/ssdn-sub000/internal/platform/errors"
)

func TestNormalizeEndpoint(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"https://ssdn.acme.org", "https://ssdn.acme.org"},
		{"https://SSDN.Acme.org/", "https://ssdn.acme.org"},
		{"http://peer.example.org:8080", "http://peer.example.org:8080"},
		{"  https://peer.example.org  ", "https://peer.example.org"},
	}
	for _, tc := range cases {
		got, err := NormalizeEndpoint(tc.raw)
		if err != nil {
			t.Fatalf("NormalizeEndpoint(%q): %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("NormalizeEndpoint(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestNormalizeEndpointRejectsInvalid(t *testing.T) {
	cases := []string{
		"",
		"javascript:alert(1)",
		"notadomain",
		"http://localhost",
		"http://localhost:3000",
		"https://dev.localhost",
		"http://127.0.0.1",
		"ftp://peer.example.org",
		"peer.example.org",
	}
	for _, raw := range cases {
		if _, err := NormalizeEndpoint(raw); !apperrors.IsCode(err, apperrors.CodeEndpointInvalid) {
			t.Fatalf("NormalizeEndpoint(%q): expected endpoint-invalid error, got %v", raw, err)
		}
	}
}

func TestSameEndpoint(t *testing.T) {
	if !SameEndpoint("https://Peer.Example.org/", "https://peer.example.org") {
		t.Fatal("expected endpoints to match after normalization")
	}
	if SameEndpoint("https://a.example.org", "https://b.example.org") {
		t.Fatal("expected different endpoints not to match")
	}
	if SameEndpoint("localhost", "localhost") {
		t.Fatal("expected malformed endpoints never to match")
	}
}

func TestRequestStatusTerminal(t *testing.T) {
	terminal := []RequestStatus{RequestAccepted, RequestRejected, RequestCanceled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("expected %q to be terminal", s)
		}
	}
	open := []RequestStatus{RequestCreated, RequestPending, RequestAcceptedPending, RequestRejectedPending}
	for _, s := range open {
		if s.Terminal() {
			t.Fatalf("expected %q not to be terminal", s)
		}
	}
}
