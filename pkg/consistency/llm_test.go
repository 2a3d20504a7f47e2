package consistency_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/cortex/pkg/consistency"
	"github.com/papercomputeco/cortex/pkg/llm"
	"github.com/papercomputeco/cortex/pkg/retry"
)

var _ = Describe("LLMClassifier", func() {
	var (
		calls     int
		responses []string
		failures  []error
	)

	newClassifier := func() *consistency.LLMClassifier {
		c, err := consistency.NewLLMClassifier(consistency.LLMConfig{
			Call: func(_ context.Context, req llm.Request) (string, error) {
				defer func() { calls++ }()
				Expect(req.JSON).To(BeTrue())
				if calls < len(failures) && failures[calls] != nil {
					return "", failures[calls]
				}
				return responses[min(calls, len(responses)-1)], nil
			},
			Retry: retry.Policy{Attempts: 3, Initial: time.Millisecond},
		})
		Expect(err).NotTo(HaveOccurred())
		return c
	}

	BeforeEach(func() {
		calls = 0
		responses = []string{`Sure! {"relation": "Logical", "confidence": 0.82, "reason": "mutually exclusive"}`}
		failures = nil
	})

	It("requires a caller", func() {
		_, err := consistency.NewLLMClassifier(consistency.LLMConfig{})
		Expect(err).To(HaveOccurred())
	})

	It("parses the model's verdict", func() {
		v, err := newClassifier().Classify(context.Background(), pair("User is vegetarian", "User eats meat", time.Hour))
		Expect(err).NotTo(HaveOccurred())
		Expect(v.Relation).To(Equal(consistency.RelationLogical))
		Expect(v.Confidence).To(Equal(0.82))
		Expect(v.Reason).To(Equal("mutually exclusive"))
	})

	It("retries temporary provider errors", func() {
		failures = []error{&llm.StatusError{Code: 503}, &llm.StatusError{Code: 429}}
		_, err := newClassifier().Classify(context.Background(), pair("a", "b", 0))
		Expect(err).NotTo(HaveOccurred())
		Expect(calls).To(Equal(3))
	})

	It("does not retry client errors", func() {
		failures = []error{&llm.StatusError{Code: 400, Body: "bad request"}}
		_, err := newClassifier().Classify(context.Background(), pair("a", "b", 0))
		var status *llm.StatusError
		Expect(errors.As(err, &status)).To(BeTrue())
		Expect(calls).To(Equal(1))
	})

	It("rejects unknown relations", func() {
		responses = []string{`{"relation": "maybe", "confidence": 0.5}`}
		_, err := newClassifier().Classify(context.Background(), pair("a", "b", 0))
		Expect(err).To(MatchError(ContainSubstring("unknown relation")))
	})
})
