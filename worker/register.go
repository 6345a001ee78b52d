// Package worker exposes helpers to register pipeline activities with a
// Temporal worker.
package worker

import (
	sdkworker "go.temporal.io/sdk/worker"

	"github.com/genpipe-ai/genpipe/activity"
	"github.com/genpipe-ai/genpipe/generator"
)

// Register wires the pipeline activities onto a Temporal worker. Call during
// worker initialization before starting the worker; registration is not
// thread-safe.
func Register(w sdkworker.Worker, gen *generator.Generator) {
	acts := activity.NewActivities(gen)
	w.RegisterActivity(acts.GeneratePipeline)
}
