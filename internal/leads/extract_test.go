package leads

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractEmails(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"plain field", "Jane@Acme.io", []string{"jane@acme.io"}},
		{"free text", "Reach out to jane.doe@acme.io or bob@acme.io.", []string{"jane.doe@acme.io", "bob@acme.io"}},
		{"angle brackets", "Jane Doe <jane@acme.io>", []string{"jane@acme.io"}},
		{"mailto", "mailto:jane@acme.io?subject=hi", []string{"jane@acme.io"}},
		{"percent encoded mailto", "mailto:jane%40acme.io", []string{"jane@acme.io"}},
		{"query string", "https://acme.io/contact?email=jane%40acme.io&ref=x", []string{"jane@acme.io"}},
		{"nested mailto in query", "https://r.acme.io/?u=mailto%3Abob%40acme.io", []string{"bob@acme.io"}},
		{"plus address kept", "jane+news@acme.io", []string{"jane+news@acme.io"}},
		{"repeat collapsed", "jane@acme.io jane@acme.io JANE@acme.io", []string{"jane@acme.io"}},
		{"none", "no address here", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractEmails(tt.in))
		})
	}
}

func TestValidEmail(t *testing.T) {
	valid := []string{
		"jane@acme.io",
		"jane.doe@mail.acme.co.uk",
		"o'brien@acme.io",
		"jane+tag@acme-corp.com",
	}
	for _, e := range valid {
		assert.True(t, ValidEmail(e), e)
	}

	invalid := []string{
		"",
		"jane",
		"jane@",
		"@acme.io",
		"jane@@acme.io",
		"jane..doe@acme.io",
		".jane@acme.io",
		"jane.@acme.io",
		"jane@acme",
		"jane@-acme.io",
		"jane@acme-.io",
		"jane@acme.i",
		"jane@acme.c0m",
		"jane doe@acme.io",
		"logo@2x.png",
		"Jane <jane@acme.io>",
	}
	for _, e := range invalid {
		assert.False(t, ValidEmail(e), e)
	}
}

func TestSplitEmail(t *testing.T) {
	local, domain := SplitEmail(" Jane@Acme.IO ")
	assert.Equal(t, "jane", local)
	assert.Equal(t, "acme.io", domain)

	local, domain = SplitEmail("nope")
	assert.Equal(t, "nope", local)
	assert.Empty(t, domain)
}
