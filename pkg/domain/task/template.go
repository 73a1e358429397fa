package task

import (
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/taskflow-io/engine/pkg/domain/orcherrors"
)

// StepTemplate is the in-memory representation of one named step within a
// TaskTemplate: its declared dependencies (by step name, resolved against
// sibling templates in the same TaskTemplate) and its execution defaults.
type StepTemplate struct {
	Name              string
	Dependencies      []string
	Skippable         bool
	DefaultRetryable  bool
	DefaultRetryLimit int
	HandlerClass      string
	HandlerTimeout    time.Duration
}

// TaskTemplate is the in-memory representation of a NamedTask's step DAG,
// built by the Handler Registry at registration time from a Go-constructed
// definition (loading that definition from YAML/DSL is out of scope here).
type TaskTemplate struct {
	Namespace string
	Name      string
	Version   *semver.Version
	Steps     []StepTemplate
}

// templateDump is the YAML-friendly projection DescribeYAML renders: a
// TaskTemplate's semver.Version doesn't itself marshal usefully, so this
// substitutes its canonical string form.
type templateDump struct {
	Namespace string         `yaml:"namespace"`
	Name      string         `yaml:"name"`
	Version   string         `yaml:"version"`
	Steps     []StepTemplate `yaml:"steps"`
}

// DescribeYAML renders the template as YAML for operator-facing debug
// dumps (registry stats endpoints, CLI inspection commands).
func (t *TaskTemplate) DescribeYAML() (string, error) {
	version := ""
	if t.Version != nil {
		version = t.Version.String()
	}
	out, err := yaml.Marshal(templateDump{
		Namespace: t.Namespace,
		Name:      t.Name,
		Version:   version,
		Steps:     t.Steps,
	})
	if err != nil {
		return "", orcherrors.New(orcherrors.CodeInternalError, "task", "failed to render template as yaml", err)
	}
	return string(out), nil
}

// StepByName returns the step template with the given name, if present.
func (t *TaskTemplate) StepByName(name string) (StepTemplate, bool) {
	for _, s := range t.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepTemplate{}, false
}

// Validate checks that the step DAG described by each step's Dependencies
// is acyclic and references only step names present in the template. It is
// called at NamedTask registration time so a malformed template is rejected
// before any Task is ever materialized from it.
func (t *TaskTemplate) Validate() error {
	names := make(map[string]bool, len(t.Steps))
	for _, s := range t.Steps {
		if names[s.Name] {
			return orcherrors.New(orcherrors.CodeValidationFailed, "task",
				"duplicate step name "+s.Name, nil)
		}
		names[s.Name] = true
	}
	for _, s := range t.Steps {
		for _, dep := range s.Dependencies {
			if !names[dep] {
				return orcherrors.New(orcherrors.CodeValidationFailed, "task",
					"step "+s.Name+" depends on unknown step "+dep, nil)
			}
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(t.Steps))
	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visited:
			return nil
		case visiting:
			return orcherrors.New(orcherrors.CodeCyclicDependency, "task",
				"cycle detected at step "+name, nil)
		}
		state[name] = visiting
		step, _ := t.StepByName(name)
		for _, dep := range step.Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = visited
		return nil
	}
	for _, s := range t.Steps {
		if err := visit(s.Name); err != nil {
			return err
		}
	}
	return nil
}
