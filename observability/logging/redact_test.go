package logging

import "testing"

func TestMaskFieldRedactsUnknownKeys(t *testing.T) {
	attr := MaskField("authorization", "Bearer secret-token")
	if attr.Value.String() != RedactedValue {
		t.Fatalf("authorization value = %q, want %q", attr.Value.String(), RedactedValue)
	}
}

func TestMaskFieldPassesAllowlistedKeys(t *testing.T) {
	attr := MaskField("escrow_id", "abc123")
	if attr.Value.String() != "abc123" {
		t.Fatalf("escrow_id value = %q, want passthrough", attr.Value.String())
	}
}

func TestMaskFieldKeepsEmptyValues(t *testing.T) {
	attr := MaskField("signature", "")
	if attr.Value.String() != "" {
		t.Fatalf("empty value should stay empty, got %q", attr.Value.String())
	}
}

func TestRedactionAllowlistExcludesSensitiveKeys(t *testing.T) {
	for _, key := range RedactionAllowlist() {
		switch key {
		case "signature", "token", "authorization", "subject":
			t.Fatalf("sensitive key %q must not be allowlisted", key)
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"debug":   "DEBUG",
		"info":    "INFO",
		"WARN":    "WARN",
		"error":   "ERROR",
		"unknown": "INFO",
	}
	for input, want := range cases {
		if got := ParseLevel(input).String(); got != want {
			t.Fatalf("ParseLevel(%q) = %s, want %s", input, got, want)
		}
	}
}
