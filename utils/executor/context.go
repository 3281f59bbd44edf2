package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/psd-ai/studio/utils/config"
	"github.com/psd-ai/studio/utils/knowledge"
	"github.com/psd-ai/studio/utils/models"
)

// buildSystemContext assembles the system context for one step: the
// prompt's own (substituted) system context, retrieved knowledge chunks,
// and the output of any gated auxiliary tools.
func (o *Orchestrator) buildSystemContext(ctx context.Context, ex *Execution, prompt ChainPrompt, sources SubstitutionSources, resolvedPrompt string) (string, error) {
	var parts []string

	if prompt.SystemContext != "" {
		resolved, _, err := Substitute(prompt.SystemContext, sources)
		if err != nil {
			return "", err
		}
		parts = append(parts, resolved)
	}

	if len(prompt.RepositoryIDs) > 0 && o.searcher != nil {
		if section := o.retrieveKnowledge(ctx, ex, prompt, resolvedPrompt); section != "" {
			parts = append(parts, section)
		}
	}

	if section := o.runGatedTools(ctx, ex, prompt, resolvedPrompt); section != "" {
		parts = append(parts, section)
	}

	return strings.Join(parts, "\n\n"), nil
}

// retrieveKnowledge hybrid-searches the prompt's repositories for chunks
// relevant to the resolved prompt. Retrieval failures degrade to an empty
// section; the failure is reported on the knowledge-retrieved event rather
// than failing the step.
func (o *Orchestrator) retrieveKnowledge(ctx context.Context, ex *Execution, prompt ChainPrompt, query string) string {
	startEv := NewEvent(EventKnowledgeRetrievalStart, ex.ID)
	startEv.PromptID, startEv.PromptName = prompt.ID, prompt.Name
	startEv.Data = map[string]interface{}{"repositoryIds": prompt.RepositoryIDs}
	o.emit(startEv)

	chunks, err := o.searcher.HybridSearch(ctx, prompt.RepositoryIDs, query, knowledge.SearchOptions{})

	doneEv := NewEvent(EventKnowledgeRetrieved, ex.ID)
	doneEv.PromptID, doneEv.PromptName = prompt.ID, prompt.Name
	if err != nil {
		config.DebugLog("[Executor] knowledge retrieval failed for prompt %s: %v", prompt.ID, err)
		doneEv.Error = err.Error()
		o.emit(doneEv)
		return ""
	}
	doneEv.Data = map[string]interface{}{"chunks": len(chunks)}
	o.emit(doneEv)

	if len(chunks) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Relevant knowledge:\n")
	for i, c := range chunks {
		fmt.Fprintf(&sb, "\n[%d] %s\n", i+1, c.Content)
	}
	return sb.String()
}

// runGatedTools executes the prompt's enabled tools, narrowed to what the
// target model supports. Unsupported tools are dropped silently; a tool
// failure is reported on its completion event and does not fail the step.
func (o *Orchestrator) runGatedTools(ctx context.Context, ex *Execution, prompt ChainPrompt, resolvedPrompt string) string {
	allowed := models.FilterEnabledTools(prompt.ModelID, prompt.EnabledTools)
	if len(allowed) == 0 || o.tools == nil {
		return ""
	}

	var parts []string
	for _, name := range allowed {
		startEv := NewEvent(EventToolExecutionStart, ex.ID)
		startEv.PromptID, startEv.PromptName = prompt.ID, prompt.Name
		startEv.Data = map[string]interface{}{"tool": name}
		o.emit(startEv)

		output, err := o.tools.Run(ctx, name, resolvedPrompt)

		doneEv := NewEvent(EventToolExecutionComplete, ex.ID)
		doneEv.PromptID, doneEv.PromptName = prompt.ID, prompt.Name
		doneEv.Data = map[string]interface{}{"tool": name}
		if err != nil {
			config.DebugLog("[Executor] tool %s failed for prompt %s: %v", name, prompt.ID, err)
			doneEv.Error = err.Error()
			o.emit(doneEv)
			continue
		}
		o.emit(doneEv)
		if output != "" {
			parts = append(parts, fmt.Sprintf("Output of %s:\n%s", name, output))
		}
	}
	return strings.Join(parts, "\n\n")
}
