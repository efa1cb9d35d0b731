package cli

import (
	"strings"
	"testing"

	"github.com/valter-silva-au/tasktree/internal/core"
)

func TestDepsAddAndRemove(t *testing.T) {
	m := newTaskMgrMock()
	m.install(t)

	out := executeRoot(t, "deps", "add", "task-4", "task-3")
	if !strings.Contains(out, "task-4 now depends on task-3") {
		t.Errorf("unexpected add output:\n%s", out)
	}
	out = executeRoot(t, "dependencies", "remove", "task-4", "task-1")
	if !strings.Contains(out, "no longer depends on task-1") {
		t.Errorf("unexpected remove output:\n%s", out)
	}

	want := "add-dep task-4 task-3|remove-dep task-4 task-1"
	if got := strings.Join(m.calls, "|"); got != want {
		t.Errorf("calls = %s, want %s", got, want)
	}
}

func TestDepsAdd_CycleRejected(t *testing.T) {
	m := newTaskMgrMock()
	m.err = &core.OpError{Kind: core.ErrInvalidOperation, Msg: "dependency task-1 -> task-4 would create a cycle"}
	m.install(t)

	_, err := executeRootErr(t, "deps", "add", "task-1", "task-4")
	if err == nil || !strings.Contains(err.Error(), "would create a cycle") {
		t.Errorf("expected cycle error, got %v", err)
	}
}

func TestDepsShow(t *testing.T) {
	newTaskMgrMock().install(t)

	out := executeRoot(t, "deps", "show", "task-1")

	if !strings.Contains(out, "task-1: dependencies met") {
		t.Errorf("unexpected header:\n%s", out)
	}
	depsOn := out[strings.Index(out, "Depends on:"):strings.Index(out, "Dependents:")]
	if !strings.Contains(depsOn, "(none)") {
		t.Errorf("expected no dependencies for task-1:\n%s", out)
	}
	if !strings.Contains(out[strings.Index(out, "Dependents:"):], "task-4") {
		t.Errorf("expected task-4 as dependent:\n%s", out)
	}
}

func TestDepsShow_Unmet(t *testing.T) {
	newTaskMgrMock().install(t)

	out := executeRoot(t, "deps", "show", "task-4")

	if !strings.Contains(out, "dependencies unmet") {
		t.Errorf("expected unmet dependencies:\n%s", out)
	}
}

func TestDepsValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		newTaskMgrMock().install(t)

		out := executeRoot(t, "deps", "validate", "req-1")
		if !strings.Contains(out, "Dependency graph of req-1 is valid.") {
			t.Errorf("unexpected output:\n%s", out)
		}
	})

	t.Run("issues", func(t *testing.T) {
		m := newTaskMgrMock()
		m.issues = []core.DependencyIssue{
			{Kind: core.IssueMissing, TaskID: "task-4", DependsOn: "task-9", Message: "task task-4 depends on missing task task-9"},
			{Kind: core.IssueCycle, TaskID: "task-3", Cycle: []string{"task-3", "task-4", "task-3"}, Message: "cycle task-3 -> task-4 -> task-3"},
		}
		m.install(t)

		out, err := executeRootErr(t, "deps", "validate", "req-1")
		if err == nil || !strings.Contains(err.Error(), "2 dependency issue(s) in req-1") {
			t.Errorf("expected issue count error, got %v", err)
		}
		if !strings.Contains(out, "[missing_dependency] task task-4 depends on missing task task-9") {
			t.Errorf("missing issue not printed:\n%s", out)
		}
		if !strings.Contains(out, "[cycle] cycle task-3") {
			t.Errorf("cycle issue not printed:\n%s", out)
		}
	})
}
