package attribution_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/cortex/pkg/attribution"
	"github.com/papercomputeco/cortex/pkg/llm"
)

var _ = Describe("ExtractiveGenerator", func() {
	var g *attribution.ExtractiveGenerator

	BeforeEach(func() {
		g = &attribution.ExtractiveGenerator{}
	})

	It("keeps sentences that share terms with the query, in memory order", func() {
		out, err := g.Generate(context.Background(), "what does the user drink in the morning", []string{
			"User owns a dog. User drinks tea in the morning.",
			"Office closes at six.",
			"User likes to drink coffee.",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal("User owns a dog. User drinks tea in the morning. User likes to drink coffee."))
	})

	It("caps the answer at MaxSentences, preferring higher scores", func() {
		g.MaxSentences = 1
		out, err := g.Generate(context.Background(), "user drink morning", []string{
			"User owns a dog.",
			"User drink tea every morning.",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal("User drink tea every morning."))
	})

	It("answers NoAnswer when nothing matches", func() {
		out, err := g.Generate(context.Background(), "tell me about pricing", []string{"Office closes at six."})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal(attribution.NoAnswer))

		out, err = g.Generate(context.Background(), "pricing", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal(attribution.NoAnswer))
	})
})

var _ = Describe("LLMGenerator", func() {
	It("requires a caller", func() {
		_, err := attribution.NewLLMGenerator(nil)
		Expect(err).To(HaveOccurred())
	})

	It("prompts with the numbered memories", func() {
		var prompt string
		g, err := attribution.NewLLMGenerator(func(_ context.Context, req llm.Request) (string, error) {
			prompt = req.Prompt
			return "  The user drinks tea.  ", nil
		})
		Expect(err).NotTo(HaveOccurred())

		out, err := g.Generate(context.Background(), "what does the user drink", []string{"User drinks tea.", "User owns a dog."})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal("The user drinks tea."))
		Expect(prompt).To(ContainSubstring("1. User drinks tea."))
		Expect(prompt).To(ContainSubstring("2. User owns a dog."))
		Expect(prompt).To(ContainSubstring("what does the user drink"))
	})
})
