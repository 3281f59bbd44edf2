package cmd

import (
	"time"

	"github.com/psd-ai/studio/utils/circuit"
	"github.com/psd-ai/studio/utils/executor"
	"github.com/psd-ai/studio/utils/models"
	"github.com/psd-ai/studio/utils/retry"
	"github.com/psd-ai/studio/utils/tools"
)

// buildOrchestrator assembles the execution engine from the loaded
// environment configuration
func buildOrchestrator(store executor.Store) *executor.Orchestrator {
	ec := envConfig.Execution

	factory := models.NewFactory(envConfig)
	factory.SetVerbose(verbose)

	breakerOpts := circuit.DefaultOptions()
	if ec.CircuitFailureThreshold >= 0 {
		breakerOpts.FailureThreshold = ec.CircuitFailureThreshold
	}
	if ec.CircuitSuccessThreshold > 0 {
		breakerOpts.SuccessThreshold = ec.CircuitSuccessThreshold
	}
	if ec.CircuitRecoveryTimeoutMs > 0 {
		breakerOpts.RecoveryTimeout = time.Duration(ec.CircuitRecoveryTimeoutMs) * time.Millisecond
	}
	breakers := circuit.NewRegistry(breakerOpts)

	retryOpts := retry.DefaultOptions()
	if ec.MaxRetries > 0 {
		retryOpts.MaxRetries = ec.MaxRetries
	}
	retrier := retry.NewExecutor(breakers, retryOpts)

	defaultTimeout := time.Duration(ec.DefaultTimeoutSeconds) * time.Second
	orch := executor.NewOrchestrator(store, factory, retrier, defaultTimeout)
	orch.SetToolRunner(tools.NewRegistry())
	return orch
}
