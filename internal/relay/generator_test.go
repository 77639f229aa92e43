package relay

import (
	"context"
	"strings"
	"testing"
)

func TestTemplateGenerator(t *testing.T) {
	got, err := TemplateGenerator{}.Generate(context.Background(), "Hello, I need help", "en")
	if err != nil {
		t.Fatal(err)
	}
	want := "[AUTO-REPLY] Thank you for your message: 'Hello, I need help...'. Our team will review this and get back to you shortly."
	if got != want {
		t.Errorf("Generate = %q, want %q", got, want)
	}
}

func TestTemplateGenerator_TruncatesRunes(t *testing.T) {
	q := strings.Repeat("ж", 80)
	got, _ := TemplateGenerator{}.Generate(context.Background(), q, "ru")
	if !strings.Contains(got, "'"+strings.Repeat("ж", 50)+"...'") {
		t.Errorf("Generate = %q, want question cut at 50 runes", got)
	}
}
