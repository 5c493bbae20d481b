package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validCourse = `
categories:
  - name: Lab 1
    starts_at: 2026-04-01T00:00:00Z
    labs_end_at: 2026-04-15T00:00:00Z
    tests_end_at: 2026-04-22T00:00:00Z
    grading_formula: "passed_lab_1 * 10"
execution:
  image: registry.example.com/compiler-ci:latest
  reference_image: registry.example.com/reference:latest
  build_command: "make -j4"
  run_command: "./build/compiler"
  build_timeout: 5m
  test_timeout: 10s
teams:
  - name: alpha
    display_name: Team Alpha
    repo_url: git@git.example.com:compilers/alpha.git
    integration_token: secret-a
`

func writeCourse(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "course.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadCourse(t *testing.T) {
	course, err := LoadCourse(writeCourse(t, validCourse))
	if err != nil {
		t.Fatalf("LoadCourse error: %v", err)
	}
	if len(course.Categories) != 1 {
		t.Fatalf("got %d categories, want 1", len(course.Categories))
	}
	cat := course.Categories[0]
	if cat.Name != "Lab 1" || cat.Formula == nil {
		t.Errorf("category = %+v, want compiled Lab 1", cat)
	}
	if !cat.StartsAt.Equal(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("starts_at = %v", cat.StartsAt)
	}

	exec := course.Execution
	if got := strings.Join(exec.BuildCommand, " "); got != "make -j4" {
		t.Errorf("build command = %q", got)
	}
	if exec.BuildTimeout != 5*time.Minute || exec.TestTimeout != 10*time.Second {
		t.Errorf("timeouts = %v / %v", exec.BuildTimeout, exec.TestTimeout)
	}

	rows := course.TeamRows()
	if len(rows) != 1 || rows[0].Name != "alpha" || rows[0].DisplayName != "Team Alpha" {
		t.Errorf("team rows = %+v", rows)
	}
}

func TestLoadCourseRejectsBadWindowOrder(t *testing.T) {
	doc := strings.Replace(validCourse,
		"labs_end_at: 2026-04-15T00:00:00Z",
		"labs_end_at: 2026-03-15T00:00:00Z", 1)
	if _, err := LoadCourse(writeCourse(t, doc)); err == nil {
		t.Fatal("expected window ordering error")
	}
}

func TestLoadCourseRejectsBadFormula(t *testing.T) {
	doc := strings.Replace(validCourse,
		`grading_formula: "passed_lab_1 * 10"`,
		`grading_formula: "passed_lab_1 * "`, 1)
	_, err := LoadCourse(writeCourse(t, doc))
	if err == nil || !strings.Contains(err.Error(), "Lab 1") {
		t.Fatalf("err = %v, want compile failure naming the category", err)
	}
}

func TestLoadCourseRejectsUnknownFormulaVariable(t *testing.T) {
	doc := strings.Replace(validCourse,
		`grading_formula: "passed_lab_1 * 10"`,
		`grading_formula: "passed_lab_9 * 10"`, 1)
	if _, err := LoadCourse(writeCourse(t, doc)); err == nil {
		t.Fatal("expected unknown variable error at load time")
	}
}

func TestLoadCourseRequiresImage(t *testing.T) {
	doc := strings.Replace(validCourse,
		"image: registry.example.com/compiler-ci:latest", "image: \"\"", 1)
	_, err := LoadCourse(writeCourse(t, doc))
	if err == nil || !strings.Contains(err.Error(), "execution.image") {
		t.Fatalf("err = %v, want missing image error", err)
	}
}

func TestLoadCourseRejectsDuplicateCategory(t *testing.T) {
	dup := strings.Replace(validCourse, "execution:", `  - name: Lab 1
    starts_at: 2026-05-01T00:00:00Z
    labs_end_at: 2026-05-15T00:00:00Z
    tests_end_at: 2026-05-22T00:00:00Z
    grading_formula: "passed_lab_1"
execution:`, 1)
	if _, err := LoadCourse(writeCourse(t, dup)); err == nil {
		t.Fatal("expected duplicate category error")
	}
}
