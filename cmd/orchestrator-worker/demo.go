package main

import (
	"github.com/Masterminds/semver/v3"

	"github.com/taskflow-io/engine/pkg/domain/task"
	"github.com/taskflow-io/engine/pkg/orchestration/coordinator"
	"github.com/taskflow-io/engine/pkg/orchestration/handlers"
	"github.com/taskflow-io/engine/pkg/orchestration/registry"
)

// demoNamespace/demoTaskName/demoVersion identify the sample pipeline the
// serve and submit subcommands register and exercise when no user-supplied
// task definition is wired in: a three-step linear DAG (fetch -> transform
// -> notify) that demonstrates cross-step result lookup via
// executor.Sequence and a transient failure that clears after one retry.
const (
	demoNamespace = "demo"
	demoTaskName  = "sample-pipeline"
)

func demoVersion() *semver.Version {
	v, _ := semver.NewVersion("1.0.0")
	return v
}

func registerDemoTask(taskRegistry *registry.TaskRegistry, handlerRegistry *registry.Registry) error {
	const (
		classFetch     = "demo.fetch@1"
		classTransform = "demo.transform@1"
		classNotify    = "demo.notify@1"
	)
	handlerRegistry.ReplaceOrRegister(classFetch, handlers.Echo())
	handlerRegistry.ReplaceOrRegister(classTransform, handlers.UsePriorResult("fetch"))
	handlerRegistry.ReplaceOrRegister(classNotify, handlers.FlakyUntilAttempt(2))

	factory := registry.FactoryFunc(func() (task.TaskTemplate, error) {
		return task.TaskTemplate{
			Namespace: demoNamespace,
			Name:      demoTaskName,
			Version:   demoVersion(),
			Steps: []task.StepTemplate{
				{
					Name:              "fetch",
					DefaultRetryable:  true,
					DefaultRetryLimit: 3,
					HandlerClass:      classFetch,
				},
				{
					Name:              "transform",
					Dependencies:      []string{"fetch"},
					DefaultRetryable:  true,
					DefaultRetryLimit: 3,
					HandlerClass:      classTransform,
				},
				{
					Name:              "notify",
					Dependencies:      []string{"transform"},
					DefaultRetryable:  true,
					DefaultRetryLimit: 3,
					HandlerClass:      classNotify,
				},
			},
		}, nil
	})

	return taskRegistry.Register(demoNamespace, demoTaskName, demoVersion(), factory, registry.Options{Replace: true})
}

// demoStepConfigLookup builds the StepConfigLookup the coordinator needs to
// resolve a step's handler class by name, derived from the same template
// registerDemoTask just registered.
func demoStepConfigLookup(tmpl task.TaskTemplate) coordinator.StepConfigLookup {
	byName := make(map[string]coordinator.StepConfig, len(tmpl.Steps))
	for _, s := range tmpl.Steps {
		byName[s.Name] = coordinator.StepConfig{HandlerClass: s.HandlerClass, HandlerTimeout: s.HandlerTimeout}
	}
	return func(stepName string) (coordinator.StepConfig, bool) {
		cfg, ok := byName[stepName]
		return cfg, ok
	}
}
