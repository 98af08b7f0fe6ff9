package prompt

import (
	"reflect"
	"strings"
	"testing"
)

func TestResolve_SubstitutesKnownAndKeepsUnknown(t *testing.T) {
	tmpl := "Company Name : {{a}}\nEmail Address : {{b}}\nPhone : {{c}}"
	got := Resolve(tmpl, map[string]string{"a": "Acme", "b": "x@y.com"})

	if !strings.Contains(got, "Acme") || !strings.Contains(got, "x@y.com") {
		t.Fatalf("resolved text missing values: %q", got)
	}
	if strings.Contains(got, "{{a}}") || strings.Contains(got, "{{b}}") {
		t.Fatalf("resolved text still has placeholders: %q", got)
	}
	if !strings.Contains(got, "{{c}}") {
		t.Fatalf("unmatched placeholder not kept verbatim: %q", got)
	}
}

func TestResolve_Table(t *testing.T) {
	vars := map[string]string{
		"company_name": "Acme",
		"first.name":   "Sam",
		"empty":        "",
	}
	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"no placeholders", "Hello there", "Hello there"},
		{"repeated", "{{company_name}} / {{company_name}}", "Acme / Acme"},
		{"inner spaces", "Hello, is it {{ company_name }}?", "Hello, is it Acme?"},
		{"dotted name", "Hi {{first.name}}", "Hi Sam"},
		{"empty value", "[{{empty}}]", "[]"},
		{"unterminated", "Hello {{company_name", "Hello {{company_name"},
		{"single braces", "{company_name}", "{company_name}"},
		{"not an identifier", "{{two words}}", "{{two words}}"},
		{"empty span", "{{}}", "{{}}"},
		{"nested opening", "{{{{company_name}}", "{{Acme"},
		{"value with braces is not re-expanded", "{{x}}", "{{company_name}}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := vars
			if tt.name == "value with braces is not re-expanded" {
				v = map[string]string{"x": "{{company_name}}", "company_name": "Acme"}
			}
			if got := Resolve(tt.tmpl, v); got != tt.want {
				t.Fatalf("Resolve(%q)=%q, want %q", tt.tmpl, got, tt.want)
			}
		})
	}
}

func TestResolve_NilVars(t *testing.T) {
	if got := Resolve("Hello {{name}}", nil); got != "Hello {{name}}" {
		t.Fatalf("got %q", got)
	}
}

func TestPlaceholdersAndMissing(t *testing.T) {
	tmpl := "{{company_name}} {{email_address}} {{company_name}} {{ phone_number }} {{bad name}}"

	got := Placeholders(tmpl)
	want := []string{"company_name", "email_address", "phone_number"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Placeholders=%v, want %v", got, want)
	}

	missing := Missing(tmpl, map[string]string{"company_name": "Acme"})
	if !reflect.DeepEqual(missing, []string{"email_address", "phone_number"}) {
		t.Fatalf("Missing=%v", missing)
	}
}
