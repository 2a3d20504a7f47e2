package ollama_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/cortex/pkg/embeddings"
	"github.com/papercomputeco/cortex/pkg/embeddings/ollama"
)

var _ = Describe("Embedder", func() {
	var (
		server *httptest.Server
		status int
		path   string
		body   map[string]any
	)

	BeforeEach(func() {
		status = http.StatusOK
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path = r.URL.Path
			_ = json.NewDecoder(r.Body).Decode(&body)
			w.WriteHeader(status)
			if status == http.StatusOK {
				_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float32{{0.5, 0.25}}})
			}
		}))
	})

	AfterEach(func() {
		server.Close()
	})

	It("posts the model and input and returns the first embedding", func() {
		e := ollama.NewEmbedder(ollama.EmbedderConfig{BaseURL: server.URL, Model: "all-minilm"})
		v, err := e.Embed(context.Background(), "hello")
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal([]float32{0.5, 0.25}))
		Expect(path).To(Equal("/api/embed"))
		Expect(body["model"]).To(Equal("all-minilm"))
		Expect(body["input"]).To(Equal("hello"))
	})

	It("wraps non-200 responses in ErrEmbedding", func() {
		status = http.StatusInternalServerError
		e := ollama.NewEmbedder(ollama.EmbedderConfig{BaseURL: server.URL})
		_, err := e.Embed(context.Background(), "hello")
		Expect(err).To(MatchError(embeddings.ErrEmbedding))
		Expect(body["model"]).To(Equal(ollama.DefaultEmbeddingModel))
	})
})
