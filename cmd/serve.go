package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/psd-ai/studio/utils/config"
	"github.com/psd-ai/studio/utils/executor"
	"github.com/psd-ai/studio/utils/knowledge"
	"github.com/psd-ai/studio/utils/server"
	"github.com/psd-ai/studio/utils/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API for tool execution",
	Long: `Start the Studio HTTP server.

Endpoints:
  POST /api/tools/{id}/executions    Start an execution
  GET  /api/executions/{id}          Execution status and step results
  GET  /api/executions/{id}/stream   Progress events over SSE
  POST /api/executions/{id}/cancel   Cancel a running execution
  GET  /health                       Health check`,
	Example: `  # Start the server on the configured port
  studio serve

  # Start with debug logging
  studio serve --debug`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Server logs keep timestamps
		log.SetFlags(log.LstdFlags)

		var (
			st     executor.Store
			source knowledge.Source
		)
		if dsn := envConfig.Database.DSN; dsn != "" {
			da, err := store.Open(dsn)
			if err != nil {
				return err
			}
			defer da.Close()
			st = store.NewSQLStore(da)
			source = store.NewSQLChunkSource(da)
			log.Printf("Using Postgres store")
		} else {
			st = store.NewMemoryStore()
			log.Printf("No database configured, using in-memory store")
		}

		orch := buildOrchestrator(st)

		if source != nil {
			var embedder knowledge.Embedder
			if key := envConfig.OpenAIAPIKey(); key != "" {
				embedder = knowledge.NewOpenAIEmbedder(key, "")
			} else {
				config.DebugLog("[Serve] No OpenAI key, knowledge retrieval degrades to keyword search")
			}
			orch.SetSearcher(knowledge.NewService(source, embedder))
		}

		srv := server.New(envConfig.Server, st, orch)
		return srv.ListenAndServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
