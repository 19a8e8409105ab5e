package secrets

import "testing"

func TestPutReveal(t *testing.T) {
	v := New("pass")
	v.Put("api_key", "secret-value")
	got, err := v.Reveal("api_key")
	if err != nil {
		t.Fatal(err)
	}
	if got != "secret-value" {
		t.Fatalf("got %q", got)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := New("pass")
	ct, err := v.Encrypt("hello world")
	if err != nil {
		t.Fatal(err)
	}
	pt, err := v.Decrypt(ct)
	if err != nil {
		t.Fatal(err)
	}
	if pt != "hello world" {
		t.Fatalf("got %q", pt)
	}
}

func TestScanResolvesPlaceholder(t *testing.T) {
	v := New("pass")
	v.Put("token", "abc123")
	res := v.Scan("use {{secret:token}} now")
	if res.Blocked() {
		t.Fatalf("unexpected block: %+v", res)
	}
	if res.Resolved != "use abc123 now" {
		t.Fatalf("got %q", res.Resolved)
	}
}

func TestScanBlocksOnMissingSecret(t *testing.T) {
	v := New("pass")
	res := v.Scan("use {{secret:missing}} now")
	if !res.Blocked() {
		t.Fatal("expected block for missing secret")
	}
	if len(res.MissingKeys) != 1 || res.MissingKeys[0] != "missing" {
		t.Fatalf("missing keys = %+v", res.MissingKeys)
	}
}
