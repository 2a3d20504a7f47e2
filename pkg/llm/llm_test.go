package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/cortex/pkg/llm"
)

var _ = Describe("New", func() {
	It("reports an unconfigured provider", func() {
		_, err := llm.New(llm.CallerConfig{Provider: "none"})
		Expect(err).To(MatchError(llm.ErrNotConfigured))
	})

	It("rejects unknown providers", func() {
		_, err := llm.New(llm.CallerConfig{Provider: "mystery"})
		Expect(err).To(MatchError(ContainSubstring("unsupported")))
	})

	It("requires an API key for hosted providers", func() {
		GinkgoT().Setenv("ANTHROPIC_API_KEY", "")
		_, err := llm.New(llm.CallerConfig{Provider: "anthropic"})
		Expect(err).To(MatchError(ContainSubstring("ANTHROPIC_API_KEY")))
	})
})

var _ = Describe("callers", func() {
	var (
		server *httptest.Server
		got    map[string]any
		path   string
		auth   string
		status int
		reply  any
	)

	BeforeEach(func() {
		status = http.StatusOK
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path = r.URL.Path
			auth = r.Header.Get("Authorization") + r.Header.Get("x-api-key")
			_ = json.NewDecoder(r.Body).Decode(&got)
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(reply)
		}))
	})

	AfterEach(func() {
		server.Close()
	})

	It("calls the OpenAI chat completions API", func() {
		reply = map[string]any{"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": `{"ok":true}`}}}}
		call, err := llm.New(llm.CallerConfig{Provider: "openai", APIKey: "sk-test", BaseURL: server.URL})
		Expect(err).NotTo(HaveOccurred())

		out, err := call(context.Background(), llm.Request{System: "be terse", Prompt: "hi", JSON: true})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal(`{"ok":true}`))
		Expect(path).To(Equal("/v1/chat/completions"))
		Expect(auth).To(Equal("Bearer sk-test"))
		Expect(got["response_format"]).To(HaveKeyWithValue("type", "json_object"))
		Expect(got["messages"]).To(HaveLen(2))
	})

	It("calls the Anthropic messages API", func() {
		reply = map[string]any{"content": []any{map[string]any{"type": "text", "text": "hello"}}}
		call, err := llm.New(llm.CallerConfig{Provider: "anthropic", APIKey: "ak", BaseURL: server.URL})
		Expect(err).NotTo(HaveOccurred())

		out, err := call(context.Background(), llm.Request{System: "sys", Prompt: "hi"})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal("hello"))
		Expect(path).To(Equal("/v1/messages"))
		Expect(got["system"]).To(Equal("sys"))
	})

	It("calls the Ollama chat API", func() {
		reply = map[string]any{"message": map[string]any{"role": "assistant", "content": "local"}}
		call, err := llm.New(llm.CallerConfig{Provider: "ollama", BaseURL: server.URL})
		Expect(err).NotTo(HaveOccurred())

		out, err := call(context.Background(), llm.Request{Prompt: "hi"})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal("local"))
		Expect(got["stream"]).To(BeFalse())
	})

	It("surfaces retryable status errors", func() {
		status = http.StatusServiceUnavailable
		reply = map[string]any{}
		call, err := llm.New(llm.CallerConfig{Provider: "ollama", BaseURL: server.URL})
		Expect(err).NotTo(HaveOccurred())

		_, err = call(context.Background(), llm.Request{Prompt: "hi"})
		var se *llm.StatusError
		Expect(errors.As(err, &se)).To(BeTrue())
		Expect(se.Temporary()).To(BeTrue())
	})
})

var _ = Describe("ExtractJSON", func() {
	It("strips surrounding prose", func() {
		Expect(llm.ExtractJSON("Sure! ```json\n{\"a\":1}\n```")).To(Equal(`{"a":1}`))
	})
})
