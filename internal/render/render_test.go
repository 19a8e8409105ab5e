package render

import "testing"

func TestTruncateShortStringUnchanged(t *testing.T) {
	s := "hello"
	if got := Truncate(s, 1600); got != s {
		t.Fatalf("got %q, want unchanged", got)
	}
}

func TestTruncateLongStringCapped(t *testing.T) {
	long := ""
	for i := 0; i < 2000; i++ {
		long += "a"
	}
	got := Truncate(long, 1600)
	if len(got) >= len(long) {
		t.Fatal("expected truncation")
	}
}

func TestApplyBlockedImagePolicyIndicator(t *testing.T) {
	profile := Profile{Mode: ModeMarkdown, BlockedImagePolicy: PolicyIndicator, BlockedLinkPolicy: PolicyIndicator}
	got := Apply(profile, "see ![alt](http://x.test/img.png)")
	if got != "see [image blocked]" {
		t.Fatalf("got %q", got)
	}
}

func TestApplyBlockedLinkPolicyText(t *testing.T) {
	profile := Profile{Mode: ModeMarkdown, BlockedLinkPolicy: PolicyText, BlockedImagePolicy: PolicyIndicator}
	got := Apply(profile, "[click](http://x.test)")
	if got != "http://x.test" {
		t.Fatalf("got %q", got)
	}
}

func TestStoreDefaultProfile(t *testing.T) {
	s := NewStore()
	p := s.Get("slack", "c1")
	if p.Mode != ModeMarkdown {
		t.Fatalf("default mode = %v, want markdown", p.Mode)
	}
}
