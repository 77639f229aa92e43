package relay

import (
	"context"
	"fmt"
)

// Generator produces the candidate reply for a user question.
type Generator interface {
	Generate(ctx context.Context, question, language string) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, question, language string) (string, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, question, language string) (string, error) {
	return f(ctx, question, language)
}

// templateQuestionLimit is how many runes of the question the template
// reply quotes.
const templateQuestionLimit = 50

// TemplateGenerator answers every question with a fixed acknowledgement
// that quotes the start of the question.
type TemplateGenerator struct{}

// Generate implements Generator.
func (TemplateGenerator) Generate(_ context.Context, question, _ string) (string, error) {
	q := []rune(question)
	if len(q) > templateQuestionLimit {
		q = q[:templateQuestionLimit]
	}
	return fmt.Sprintf("[AUTO-REPLY] Thank you for your message: '%s...'. Our team will review this and get back to you shortly.", string(q)), nil
}
