package directive

import "testing"

func TestParseThinkAndVerbose(t *testing.T) {
	res := Parse("/think high /v on draft a report")

	if res.Cleaned != "draft a report" {
		t.Errorf("cleaned = %q", res.Cleaned)
	}
	if res.ThinkLevel != "high" {
		t.Errorf("think = %q", res.ThinkLevel)
	}
	if res.VerboseLevel != "on" {
		t.Errorf("verbose = %q", res.VerboseLevel)
	}
	if !res.HasDirectives {
		t.Error("expected HasDirectives")
	}
}

func TestParseAliases(t *testing.T) {
	tests := []struct {
		in    string
		think string
	}{
		{"/t max hello", "max"},
		{"/thinking off hello", "off"},
		{"/think ultrathink hello", "max"},
		{"/think min hello", "low"},
		{"/think think-hard hello", "medium"},
		{"/THINK HIGH hello", "high"},
		{"/think: med hello", "medium"},
	}
	for _, tt := range tests {
		res := Parse(tt.in)
		if res.ThinkLevel != tt.think {
			t.Errorf("Parse(%q).ThinkLevel = %q, want %q", tt.in, res.ThinkLevel, tt.think)
		}
		if res.Cleaned != "hello" {
			t.Errorf("Parse(%q).Cleaned = %q", tt.in, res.Cleaned)
		}
	}
}

func TestParseVerboseForms(t *testing.T) {
	tests := []struct {
		in      string
		verbose string
	}{
		{"/verbose on x", "on"},
		{"/v off x", "off"},
		{"/v 1 x", "on"},
		{"/v no x", "off"},
		{"/v full x", "on"},
	}
	for _, tt := range tests {
		res := Parse(tt.in)
		if res.VerboseLevel != tt.verbose {
			t.Errorf("Parse(%q).VerboseLevel = %q, want %q", tt.in, res.VerboseLevel, tt.verbose)
		}
	}
}

func TestParseUnknownArgumentLeavesDirective(t *testing.T) {
	res := Parse("/think sideways about this")

	if res.ThinkLevel != "" {
		t.Errorf("think = %q, want empty", res.ThinkLevel)
	}
	if res.Cleaned != "/think sideways about this" {
		t.Errorf("cleaned = %q, directive should remain", res.Cleaned)
	}
	if !res.HasDirectives {
		t.Error("unknown argument still counts as a seen directive")
	}
}

func TestParseNoDirectives(t *testing.T) {
	res := Parse("plain message, no markup")
	if res.HasDirectives {
		t.Error("unexpected HasDirectives")
	}
	if res.Cleaned != "plain message, no markup" {
		t.Errorf("cleaned = %q", res.Cleaned)
	}
}

func TestParseMidStringDirective(t *testing.T) {
	res := Parse("please /v on explain")
	if res.VerboseLevel != "on" {
		t.Errorf("verbose = %q", res.VerboseLevel)
	}
	if res.Cleaned != "please explain" {
		t.Errorf("cleaned = %q", res.Cleaned)
	}
}

func TestParseDoesNotMatchInsideWords(t *testing.T) {
	res := Parse("see https://example.com/think high traffic")
	if res.ThinkLevel != "" {
		t.Errorf("URL path should not parse as directive, got %q", res.ThinkLevel)
	}
}

func TestParseStripsAtMostOnce(t *testing.T) {
	res := Parse("/think high and also /think low later")
	if res.ThinkLevel != "high" {
		t.Errorf("think = %q", res.ThinkLevel)
	}
	if res.Cleaned != "and also /think low later" {
		t.Errorf("cleaned = %q", res.Cleaned)
	}
}
