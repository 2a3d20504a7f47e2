package config

const (
	defaultStorageDriver = "sqlite"
	defaultAPIListen     = ":8081"

	defaultVectorProvider   = "sqlite"
	defaultVectorCollection = "cortex_memories"

	defaultEmbeddingProvider   = "hashing"
	defaultEmbeddingTarget     = "http://localhost:11434"
	defaultEmbeddingModel      = "nomic-embed-text"
	defaultEmbeddingDimensions = 256

	defaultLLMProvider = "none"
	defaultLLMTimeout  = "30s"

	defaultHotTTL            = "720h"
	defaultWarmTTL           = "4320h"
	defaultLifecycleSchedule = "@every 1h"

	defaultThreshold          = 0.85
	defaultMinSamples         = 5
	defaultAmortizedWorkers   = 4
	defaultExactWorkers       = 2
	defaultAblationFanout     = 4
	defaultValidationSchedule = "@daily"

	defaultClassifier    = "heuristic"
	defaultTopK          = 20
	defaultMinSimilarity = 0.75
	defaultMinConfidence = 0.6

	defaultGracePeriod        = "720h"
	defaultComplianceSchedule = "@every 1h"

	defaultEventsProvider = "nop"
	defaultEventsTopic    = "cortex.events"

	defaultCacheTTL = "168h"
)

// NewDefaultConfig returns a Config with sane defaults for all fields.
// This is the single source of truth for default values.
func NewDefaultConfig() *Config {
	return &Config{
		Version: CurrentV,
		Storage: StorageConfig{
			Driver: defaultStorageDriver,
		},
		API: APIConfig{
			Listen: defaultAPIListen,
		},
		VectorStore: VectorStoreConfig{
			Provider:   defaultVectorProvider,
			Collection: defaultVectorCollection,
		},
		Embedding: EmbeddingConfig{
			Provider:   defaultEmbeddingProvider,
			Target:     defaultEmbeddingTarget,
			Model:      defaultEmbeddingModel,
			Dimensions: defaultEmbeddingDimensions,
		},
		LLM: LLMConfig{
			Provider: defaultLLMProvider,
			Timeout:  defaultLLMTimeout,
		},
		Lifecycle: LifecycleConfig{
			HotTTL:   defaultHotTTL,
			WarmTTL:  defaultWarmTTL,
			Schedule: defaultLifecycleSchedule,
		},
		Attribution: AttributionConfig{
			Threshold:          defaultThreshold,
			MinSamples:         defaultMinSamples,
			AmortizedWorkers:   defaultAmortizedWorkers,
			ExactWorkers:       defaultExactWorkers,
			AblationFanout:     defaultAblationFanout,
			ValidationSchedule: defaultValidationSchedule,
		},
		Consistency: ConsistencyConfig{
			Classifier:    defaultClassifier,
			TopK:          defaultTopK,
			MinSimilarity: defaultMinSimilarity,
			MinConfidence: defaultMinConfidence,
		},
		Compliance: ComplianceConfig{
			GracePeriod: defaultGracePeriod,
			Schedule:    defaultComplianceSchedule,
		},
		Events: EventsConfig{
			Provider: defaultEventsProvider,
			Topic:    defaultEventsTopic,
		},
		Cache: CacheConfig{
			TTL: defaultCacheTTL,
		},
	}
}
