package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/researchcache/internal/models"
	"github.com/raphaelgruber/researchcache/internal/service"
)

var researchThreshold float64

var researchCmd = &cobra.Command{
	Use:   "research <topic>",
	Short: "Resolve a topic from the cache or research it",
	Long: `Resolve a research topic: exact cache hit, then semantic match, then
fresh LLM research which is stored for future requests.

Examples:
  researchcache research "lower blood sugar naturally"
  researchcache research "natural methods to reduce blood sugar" --threshold 0.85
  researchcache research "intermittent fasting" --yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: runResearch,
}

func init() {
	researchCmd.Flags().Float64VarP(&researchThreshold, "threshold", "t", 0, "similarity threshold override (0 uses config)")
}

func runResearch(cmd *cobra.Command, args []string) error {
	topic := strings.Join(args, " ")
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	ensureSchema(ctx, store, logger)
	r, err := getRetriever(ctx)
	if err != nil {
		return err
	}
	res, err := getResearcher(ctx)
	if err != nil {
		return err
	}

	var opts []service.RetrieveOption
	if researchThreshold > 0 {
		opts = append(opts, service.WithSimilarityThreshold(researchThreshold))
	}

	result, err := r.RetrieveOrResearch(ctx, topic, func(ctx context.Context) (*models.ResearchResult, error) {
		return res.Research(ctx, topic)
	}, opts...)
	if err != nil {
		return fmt.Errorf("research: %w", err)
	}
	r.Flush()

	if asYAML {
		return printYAML(result)
	}

	fmt.Print(renderResult(result, defaultTheme))
	if verbose {
		fmt.Println()
		fmt.Println(renderStatistics(r.Statistics(), defaultTheme))
		usage := embedder.Usage()
		fmt.Println(defaultTheme.hintStyle().Render(fmt.Sprintf(
			"embeddings: %d requests, ~%d tokens, $%.6f", usage.Requests, usage.Tokens, usage.CostUSD)))
	}
	return nil
}
