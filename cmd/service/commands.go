// cmd/service/commands.go
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github-knowledge-store/internal/database"
	"github-knowledge-store/internal/ingest"
	"github-knowledge-store/internal/mcpserver"
	"github-knowledge-store/internal/query"
)

var (
	ingestForce bool
	ingestToken string
	queryInput  string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <user>",
	Short: "Ingest a GitHub user into the store",
	Long: `Fetch the user's repositories, READMEs, file trees and commits and store them.
A user ingested successfully within STALENESS_WINDOW is served from the store unless --force is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, logger, true)
		if err != nil {
			return err
		}
		defer a.close()

		token := ingestToken
		if token == "" {
			token = os.Getenv("GH_TOKEN")
		}
		res, err := a.pipeline.Ingest(cmd.Context(), ingest.Request{Handle: args[0], Token: token, Force: ingestForce})
		if err != nil {
			return err
		}
		if err := render(cmd.OutOrStdout(), outputFormat, res); err != nil {
			return err
		}
		if res.Error != "" {
			return fmt.Errorf("ingestion of %s finished with status %s", res.Handle, res.Status)
		}
		return nil
	},
}

var queryCmd = &cobra.Command{
	Use:   "query <operation> [json-input]",
	Short: "Run a catalog operation against the store",
	Example: `  knowledge-store query list_repositories '{"user":"octocat"}'
  echo '{"user":"octocat","window_days":30}' | knowledge-store query rank_repositories_by_activity --input -`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		input, err := readQueryInput(cmd.InOrStdin(), args)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), cfg, logger, false)
		if err != nil {
			return err
		}
		defer a.close()

		result, err := a.catalog.Execute(cmd.Context(), args[0], input)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), outputFormat, result)
	},
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Describe the query operations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog := query.NewCatalog(nil, logger)
		return render(cmd.OutOrStdout(), outputFormat, map[string]any{
			"version":    query.Version,
			"operations": catalog.Describe(),
		})
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the query catalog as MCP tools over stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, logger, false)
		if err != nil {
			return err
		}
		defer a.close()

		s := mcpserver.New(a.catalog, Version, logger)
		return mcpserver.ServeStdio(cmd.Context(), s, cmd.InOrStdin(), cmd.OutOrStdout(), logger)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations to the configured store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := database.Open(cmd.Context(), cfg.Database(), logger)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Migrate(cmd.Context()); err != nil {
			return err
		}
		logger.Info("Database migrations applied successfully", "backend", cfg.StorageBackend)
		return nil
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge <user>",
	Short: "Delete a user and everything stored for it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, logger, true)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.pipeline.Purge(cmd.Context(), args[0]); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), outputFormat, map[string]string{"purged": args[0]})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <user>",
	Short: "Show the ingestion state of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, logger, true)
		if err != nil {
			return err
		}
		defer a.close()

		user, err := a.pipeline.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), outputFormat, user)
	},
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestForce, "force", false, "re-fetch even if the user is fresh")
	ingestCmd.Flags().StringVar(&ingestToken, "token", "", "GitHub token (default: GH_TOKEN, then GITHUB_TOKEN)")
	queryCmd.Flags().StringVar(&queryInput, "input", "", "read the JSON input from a file, or - for stdin")
}

// readQueryInput returns the operation input from the positional argument or --input.
func readQueryInput(stdin io.Reader, args []string) (json.RawMessage, error) {
	switch {
	case len(args) == 2 && queryInput != "":
		return nil, fmt.Errorf("give the input either as an argument or with --input, not both")
	case len(args) == 2:
		return json.RawMessage(args[1]), nil
	case queryInput == "-":
		data, err := io.ReadAll(stdin)
		return data, err
	case queryInput != "":
		return os.ReadFile(queryInput)
	default:
		return json.RawMessage(`{}`), nil
	}
}
