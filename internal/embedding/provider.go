package embedding

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/embeddings/bedrock"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// Provider names accepted by NewProvider.
const (
	ProviderOpenAI  = "openai"
	ProviderOllama  = "ollama"
	ProviderBedrock = "bedrock"
)

// Provider is the remote embedding backend. Any langchaingo embedder
// satisfies it.
type Provider = embeddings.Embedder

// ProviderConfig selects and configures a remote embedding backend.
type ProviderConfig struct {
	Provider      string
	Model         string
	BatchSize     int
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OllamaHost    string
	AWSRegion     string
}

// NewProvider creates the langchaingo embedder for cfg.Provider.
func NewProvider(ctx context.Context, cfg ProviderConfig) (Provider, error) {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}

	switch cfg.Provider {
	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		opts := []openai.Option{
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithEmbeddingModel(cfg.Model),
		}
		if cfg.OpenAIBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.OpenAIBaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create openai client: %w", err)
		}
		emb, err := embeddings.NewEmbedder(llm, embeddings.WithBatchSize(batch))
		if err != nil {
			return nil, fmt.Errorf("create openai embedder: %w", err)
		}
		return emb, nil

	case ProviderOllama:
		llm, err := ollama.New(
			ollama.WithModel(cfg.Model),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama client: %w", err)
		}
		emb, err := embeddings.NewEmbedder(llm, embeddings.WithBatchSize(batch))
		if err != nil {
			return nil, fmt.Errorf("create ollama embedder: %w", err)
		}
		return emb, nil

	case ProviderBedrock:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		emb, err := bedrock.NewBedrock(
			bedrock.WithClient(bedrockruntime.NewFromConfig(awsCfg)),
			bedrock.WithModel(cfg.Model),
			bedrock.WithBatchSize(batch),
		)
		if err != nil {
			return nil, fmt.Errorf("create bedrock embedder: %w", err)
		}
		return emb, nil

	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
}
