package initcmder_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	initcmder "github.com/papercomputeco/cortex/cmd/cortex/init"
	"github.com/papercomputeco/cortex/pkg/config"
)

var _ = Describe("NewInitCmd", func() {
	It("creates a command with the correct use string", func() {
		cmd := initcmder.NewInitCmd()
		Expect(cmd.Use).To(Equal("init"))
	})

	It("rejects any arguments", func() {
		cmd := initcmder.NewInitCmd()
		Expect(cmd.Args(cmd, []string{})).To(Succeed())
		Expect(cmd.Args(cmd, []string{"extra"})).NotTo(Succeed())
	})

	It("has a --preset flag", func() {
		cmd := initcmder.NewInitCmd()
		f := cmd.Flags().Lookup("preset")
		Expect(f).NotTo(BeNil())
		Expect(f.DefValue).To(Equal(""))
	})
})

var _ = Describe("Init command execution", func() {
	var (
		tmpDir  string
		origDir string
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "cortex-init-test-*")
		Expect(err).NotTo(HaveOccurred())

		origDir, err = os.Getwd()
		Expect(err).NotTo(HaveOccurred())
		Expect(os.Chdir(tmpDir)).To(Succeed())
	})

	AfterEach(func() {
		Expect(os.Chdir(origDir)).To(Succeed())
		os.RemoveAll(tmpDir)
	})

	execute := func(args ...string) error {
		cmd := initcmder.NewInitCmd()
		cmd.SetArgs(args)
		cmd.SetOut(GinkgoWriter)
		return cmd.Execute()
	}

	It("creates a .cortex directory with a default config", func() {
		Expect(execute()).To(Succeed())

		Expect(filepath.Join(tmpDir, ".cortex")).To(BeADirectory())
		cfg := loadConfig(tmpDir)
		Expect(cfg.Version).To(Equal(config.CurrentV))
		Expect(cfg.API.Listen).To(Equal(":8081"))
		Expect(cfg.Storage.Driver).To(Equal("sqlite"))
		Expect(cfg.Compliance.GracePeriod).To(Equal("720h"))
	})

	It("keeps an existing config without a preset", func() {
		dir := filepath.Join(tmpDir, ".cortex")
		Expect(os.MkdirAll(dir, 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(dir, "config.toml"), []byte("[api]\nlisten = \":7000\"\n"), 0o600)).To(Succeed())

		Expect(execute()).To(Succeed())
		Expect(loadConfig(tmpDir).API.Listen).To(Equal(":7000"))
	})

	Describe("--preset with named presets", func() {
		It("creates config.toml with the ollama preset", func() {
			Expect(execute("--preset", "ollama")).To(Succeed())

			cfg := loadConfig(tmpDir)
			Expect(cfg.Embedding.Provider).To(Equal("ollama"))
			Expect(cfg.Embedding.Dimensions).To(Equal(uint(768)))
			Expect(cfg.LLM.Provider).To(Equal("ollama"))
			Expect(cfg.Consistency.Classifier).To(Equal("llm"))
		})

		It("overwrites the config when re-run with a different preset", func() {
			Expect(execute("--preset", "openai")).To(Succeed())
			Expect(loadConfig(tmpDir).LLM.Provider).To(Equal("openai"))

			Expect(execute("--preset", "anthropic")).To(Succeed())
			Expect(loadConfig(tmpDir).LLM.Provider).To(Equal("anthropic"))
		})

		It("rejects unknown preset names", func() {
			err := execute("--preset", "invalid-provider")
			Expect(err).To(MatchError(ContainSubstring("unknown preset")))
		})
	})

	Describe("--preset with remote URL", func() {
		It("fetches and writes remote config.toml", func() {
			remoteCfg := `version = 0

[storage]
driver = "postgres"
postgres_dsn = "postgres://cortex@db/cortex"

[embedding]
model = "mxbai-embed-large"
dimensions = 1024
`
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "text/plain")
				fmt.Fprint(w, remoteCfg)
			}))
			defer server.Close()

			Expect(execute("--preset", server.URL)).To(Succeed())

			cfg := loadConfig(tmpDir)
			Expect(cfg.Storage.Driver).To(Equal("postgres"))
			Expect(cfg.Storage.PostgresDSN).To(Equal("postgres://cortex@db/cortex"))
			Expect(cfg.Embedding.Model).To(Equal("mxbai-embed-large"))
			Expect(cfg.Embedding.Dimensions).To(Equal(uint(1024)))
		})

		It("returns error for non-200 HTTP response", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			}))
			defer server.Close()

			err := execute("--preset", server.URL)
			Expect(err).To(MatchError(ContainSubstring("HTTP 404")))
		})

		It("returns error for invalid TOML from URL", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				fmt.Fprint(w, "this is not valid toml [[[")
			}))
			defer server.Close()

			err := execute("--preset", server.URL)
			Expect(err).To(MatchError(ContainSubstring("parsing")))
		})

		It("returns error for unreachable URL", func() {
			err := execute("--preset", "http://127.0.0.1:1")
			Expect(err).To(MatchError(ContainSubstring("fetching remote config")))
		})
	})
})

// loadConfig reads and parses the config.toml from the .cortex directory
// within the given base directory.
func loadConfig(baseDir string) *config.Config {
	data, err := os.ReadFile(filepath.Join(baseDir, ".cortex", "config.toml"))
	ExpectWithOffset(1, err).NotTo(HaveOccurred())

	cfg := &config.Config{}
	ExpectWithOffset(1, toml.Unmarshal(data, cfg)).To(Succeed())
	return cfg
}
