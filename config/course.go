package config

import (
	"fmt"
	"os"
	"time"

	"github.com/complab-ci/complab/executor"
	"github.com/complab-ci/complab/grading"
	"github.com/complab-ci/complab/model"
	"github.com/goccy/go-yaml"
	"github.com/google/shlex"
)

// TeamSeed is one roster entry from the course document
type TeamSeed struct {
	Name             string `yaml:"name"`
	DisplayName      string `yaml:"display_name"`
	RepoURL          string `yaml:"repo_url"`
	DeployKey        string `yaml:"deploy_key"`
	IntegrationToken string `yaml:"integration_token"`
}

// Course is the validated course document: categories with compiled grading
// formulas, execution parameters and the team roster.
type Course struct {
	Categories []grading.Category
	Execution  executor.Config
	Teams      []TeamSeed
}

type courseDoc struct {
	Categories []categoryDoc `yaml:"categories"`
	Execution  executionDoc  `yaml:"execution"`
	Teams      []TeamSeed    `yaml:"teams"`
}

type categoryDoc struct {
	Name           string    `yaml:"name"`
	StartsAt       time.Time `yaml:"starts_at"`
	LabsEndAt      time.Time `yaml:"labs_end_at"`
	TestsEndAt     time.Time `yaml:"tests_end_at"`
	GradingFormula string    `yaml:"grading_formula"`
}

type executionDoc struct {
	Image          string `yaml:"image"`
	ReferenceImage string `yaml:"reference_image"`
	BuildCommand   string `yaml:"build_command"`
	RunCommand     string `yaml:"run_command"`
	BuildTimeout   string `yaml:"build_timeout"`
	TestTimeout    string `yaml:"test_timeout"`
}

// LoadCourse parses and validates the course document. Every failure here is
// a configuration error; nothing is deferred to grading or request time.
func LoadCourse(path string) (*Course, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read course document: %w", err)
	}
	var doc courseDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse course document: %w", err)
	}
	return buildCourse(&doc)
}

func buildCourse(doc *courseDoc) (*Course, error) {
	if len(doc.Categories) == 0 {
		return nil, fmt.Errorf("course document defines no categories")
	}

	names := make([]string, 0, len(doc.Categories))
	seen := make(map[string]bool)
	for _, c := range doc.Categories {
		if c.Name == "" {
			return nil, fmt.Errorf("category with empty name")
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("duplicate category %q", c.Name)
		}
		seen[c.Name] = true
		names = append(names, c.Name)
	}

	course := &Course{Teams: doc.Teams}
	for _, c := range doc.Categories {
		if !c.StartsAt.Before(c.LabsEndAt) || c.LabsEndAt.After(c.TestsEndAt) {
			return nil, fmt.Errorf("category %q: windows must satisfy starts_at < labs_end_at <= tests_end_at", c.Name)
		}
		formula, err := grading.CompileFormula(c.GradingFormula, names)
		if err != nil {
			return nil, fmt.Errorf("category %q: %w", c.Name, err)
		}
		course.Categories = append(course.Categories, grading.Category{
			Name:       c.Name,
			StartsAt:   c.StartsAt,
			LabsEndAt:  c.LabsEndAt,
			TestsEndAt: c.TestsEndAt,
			Formula:    formula,
		})
	}

	exec, err := buildExecution(&doc.Execution)
	if err != nil {
		return nil, err
	}
	course.Execution = exec

	for _, t := range doc.Teams {
		if t.Name == "" || t.RepoURL == "" {
			return nil, fmt.Errorf("team entries need name and repo_url")
		}
	}
	return course, nil
}

func buildExecution(doc *executionDoc) (executor.Config, error) {
	var conf executor.Config
	if doc.Image == "" {
		return conf, fmt.Errorf("execution.image is required")
	}
	conf.Image = doc.Image
	conf.ReferenceImage = doc.ReferenceImage

	var err error
	if conf.BuildCommand, err = splitCommand("build_command", doc.BuildCommand); err != nil {
		return conf, err
	}
	if conf.RunCommand, err = splitCommand("run_command", doc.RunCommand); err != nil {
		return conf, err
	}
	if conf.BuildTimeout, err = parseTimeout("build_timeout", doc.BuildTimeout); err != nil {
		return conf, err
	}
	if conf.TestTimeout, err = parseTimeout("test_timeout", doc.TestTimeout); err != nil {
		return conf, err
	}
	return conf, nil
}

func splitCommand(field, raw string) ([]string, error) {
	args, err := shlex.Split(raw)
	if err != nil {
		return nil, fmt.Errorf("execution.%s: %w", field, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("execution.%s is required", field)
	}
	return args, nil
}

func parseTimeout(field, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("execution.%s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("execution.%s must be positive", field)
	}
	return d, nil
}

// TeamRows converts the roster into store rows
func (c *Course) TeamRows() []model.Team {
	rows := make([]model.Team, 0, len(c.Teams))
	for _, t := range c.Teams {
		display := t.DisplayName
		if display == "" {
			display = t.Name
		}
		rows = append(rows, model.Team{
			Name:             t.Name,
			DisplayName:      display,
			RepoURL:          t.RepoURL,
			DeployKey:        t.DeployKey,
			IntegrationToken: t.IntegrationToken,
		})
	}
	return rows
}
