package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psd-ai/studio/utils/executor"
	"github.com/psd-ai/studio/utils/store"
)

var inputFlags []string

var runCmd = &cobra.Command{
	Use:   "run <tool.yaml>",
	Short: "Execute a tool defined in a YAML file",
	Long: `Execute a tool chain defined in a YAML file. The file describes the
tool's input fields and its ordered prompts; values for the input
fields are supplied with --input flags.`,
	Example: `  # Run a tool with two inputs
  studio run summarize.yaml --input topic="rate limiting" --input tone=concise

  # Run with debug logging
  studio run pipeline.yaml --input text=hello --debug`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("error reading tool file: %w", err)
		}

		var tool executor.Tool
		if err := yaml.Unmarshal(raw, &tool); err != nil {
			return fmt.Errorf("error parsing tool file %s: %w", args[0], err)
		}
		applyToolDefaults(&tool)

		input, err := parseInputFlags(inputFlags)
		if err != nil {
			return err
		}

		st := store.NewMemoryStore()
		st.AddTool(&tool)

		orch := buildOrchestrator(st)
		progress := executor.NewChannelProgressWriter(0)
		orch.SetProgressWriter(progress)

		ctx := context.Background()
		ex, err := orch.Start(ctx, tool.ID, "cli", input)
		if err != nil {
			return err
		}

		done := make(chan error, 1)
		go func() {
			done <- orch.Run(ctx, ex.ID)
			progress.Close()
		}()

		for ev := range progress.Events() {
			printEvent(ev)
		}
		if err := <-done; err != nil {
			return err
		}

		results, err := st.ListPromptResults(ctx, ex.ID)
		if err != nil {
			return err
		}
		log.Printf("\nResults:\n")
		for _, pr := range results {
			log.Printf("--- %s (%s) ---\n", pr.PromptName, pr.Status)
			if pr.Error != "" {
				log.Printf("error: %s\n", pr.Error)
				continue
			}
			log.Printf("%s\n", pr.Output)
		}

		final, err := st.GetExecution(ctx, ex.ID)
		if err != nil {
			return err
		}
		if final.Status == executor.ExecutionFailed {
			return fmt.Errorf("execution failed: %s", final.Error)
		}
		return nil
	},
}

// applyToolDefaults fills in identifiers and status so a standalone YAML
// file doesn't have to carry them
func applyToolDefaults(tool *executor.Tool) {
	if tool.ID == "" {
		tool.ID = uuid.NewString()
	}
	if tool.Status == "" {
		tool.Status = executor.ToolApproved
	}
	for i := range tool.Fields {
		if tool.Fields[i].ID == "" {
			tool.Fields[i].ID = uuid.NewString()
		}
		tool.Fields[i].ToolID = tool.ID
	}
	for i := range tool.Prompts {
		if tool.Prompts[i].ID == "" {
			tool.Prompts[i].ID = uuid.NewString()
		}
		tool.Prompts[i].ToolID = tool.ID
	}
}

// parseInputFlags converts repeated key=value flags into an input map
func parseInputFlags(flags []string) (map[string]interface{}, error) {
	input := make(map[string]interface{}, len(flags))
	for _, flag := range flags {
		key, value, found := strings.Cut(flag, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid --input %q: expected key=value", flag)
		}
		input[key] = value
	}
	return input, nil
}

func printEvent(ev executor.Event) {
	switch ev.Type {
	case executor.EventExecutionStart:
		log.Printf("Executing: %s\n", ev.Message)
	case executor.EventPromptStart:
		log.Printf("  [%s] running...\n", ev.PromptName)
	case executor.EventPromptComplete:
		if ev.Error != "" {
			log.Printf("  [%s] failed: %s\n", ev.PromptName, ev.Error)
		} else {
			log.Printf("  [%s] done\n", ev.PromptName)
		}
	case executor.EventKnowledgeRetrievalStart:
		log.Printf("  [%s] retrieving knowledge...\n", ev.PromptName)
	case executor.EventToolExecutionStart:
		log.Printf("  [%s] running tool...\n", ev.PromptName)
	case executor.EventProgress:
		log.Printf("  %s\n", ev.Message)
	case executor.EventExecutionComplete:
		log.Printf("Execution complete\n")
	case executor.EventExecutionError:
		log.Printf("Execution failed: %s\n", ev.Error)
	}
}

func init() {
	runCmd.Flags().StringArrayVar(&inputFlags, "input", nil, "input field value as key=value (repeatable)")
	rootCmd.AddCommand(runCmd)
}
