package main

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/attendry/internal/model"
	"github.com/sells-group/attendry/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Discover and extract events for one search request",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		req, err := requestFromFlags(cmd)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		runner := &recordedRunner{pipeline: env.Pipeline, store: env.Store}
		out, err := runner.Run(ctx, req)
		if err != nil {
			return eris.Wrap(err, "run")
		}

		zap.L().Info("run complete",
			zap.Int("events", len(out.Events)),
			zap.String("provider_used", string(out.Search.ProviderUsed)),
			zap.Int("discovered", out.Metrics.Discovered),
		)
		return writeOutput(os.Stdout, out)
	},
}

// requestFromFlags builds a SearchRequest from the run command's flags.
func requestFromFlags(cmd *cobra.Command) (model.SearchRequest, error) {
	base, _ := cmd.Flags().GetString("query")
	text, _ := cmd.Flags().GetString("text")
	country, _ := cmd.Flags().GetString("country")
	locale, _ := cmd.Flags().GetString("locale")
	industry, _ := cmd.Flags().GetString("industry")
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")

	if strings.TrimSpace(base) == "" && cfg != nil {
		base = cfg.Search.BaseQuery
	}

	req := model.SearchRequest{
		BaseQuery: base,
		UserText:  text,
		Country:   strings.ToUpper(strings.TrimSpace(country)),
		Locale:    locale,
		Industry:  industry,
	}

	var err error
	if req.DateFrom, err = parseDate(from); err != nil {
		return req, eris.Wrap(err, "--from")
	}
	if req.DateTo, err = parseDate(to); err != nil {
		return req, eris.Wrap(err, "--to")
	}
	return req, nil
}

// parseDate parses an optional YYYY-MM-DD date.
func parseDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, eris.Errorf("invalid date %q, want YYYY-MM-DD", s)
	}
	return &t, nil
}

func writeOutput(w io.Writer, out *pipeline.Output) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func init() {
	runCmd.Flags().String("query", "", "base query (default from search.base_query)")
	runCmd.Flags().String("text", "", "free-text refinement added to the query")
	runCmd.Flags().String("country", "", "ISO 3166 alpha-2 country code")
	runCmd.Flags().String("locale", "", "locale such as fr-FR")
	runCmd.Flags().String("industry", "", "industry hint for reranking")
	runCmd.Flags().String("from", "", "earliest event date (YYYY-MM-DD)")
	runCmd.Flags().String("to", "", "latest event date (YYYY-MM-DD)")
	rootCmd.AddCommand(runCmd)
}
