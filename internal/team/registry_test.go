package team

import (
	"testing"
	"time"
)

func newTestTeam(t *testing.T) (*Registry, *Team) {
	t.Helper()
	r := NewRegistry()
	tm := r.CreateTeam("lead-1", "lead")
	return r, tm
}

func TestNormalizeRole(t *testing.T) {
	tests := []struct {
		in   string
		want Role
	}{
		{"lead", RoleLead},
		{"HEAD", RoleHead},
		{" reviewer ", RoleReviewer},
		{"escalation", RoleEscalation},
		{"worker", RoleWorker},
		{"", RoleWorker},
		{"wizard", RoleWorker},
	}
	for _, tt := range tests {
		if got := NormalizeRole(tt.in); got != tt.want {
			t.Errorf("NormalizeRole(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestClassifyMemberFallback(t *testing.T) {
	tests := []struct {
		declared, name string
		want           Role
	}{
		{"reviewer", "alice", RoleReviewer},
		{"", "code-reviewer-2", RoleReviewer},
		{"", "qa-bot", RoleReviewer},
		{"", "phase-head", RoleHead},
		{"", "builder", RoleWorker},
		{"worker", "qa-bot", RoleWorker}, // declared role wins over name
	}
	for _, tt := range tests {
		if got := ClassifyMember(tt.declared, tt.name); got != tt.want {
			t.Errorf("ClassifyMember(%q, %q) = %s, want %s", tt.declared, tt.name, got, tt.want)
		}
	}
}

func TestCreateTeamHasSingleLead(t *testing.T) {
	r, tm := newTestTeam(t)

	if tm.Status != TeamActive {
		t.Errorf("new team status = %s, want active", tm.Status)
	}
	if len(tm.Members) != 1 || tm.Members[0].Role != RoleLead {
		t.Fatalf("new team should contain exactly the lead, got %d members", len(tm.Members))
	}

	err := r.AddMember(tm.ID, &Member{SessionID: "x", Name: "x", Role: RoleLead})
	if err != ErrLeadExists {
		t.Errorf("adding second lead: got %v, want ErrLeadExists", err)
	}
}

func TestAddMemberNormalizesRole(t *testing.T) {
	r, tm := newTestTeam(t)

	if err := r.AddMember(tm.ID, &Member{SessionID: "w-1", Name: "builder", Role: "ninja"}); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	m, err := r.Member(tm.ID, "w-1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Role != RoleWorker {
		t.Errorf("role = %s, want worker", m.Role)
	}
}

func TestMarkRelayedIdempotent(t *testing.T) {
	r, tm := newTestTeam(t)
	if err := r.AddMember(tm.ID, &Member{SessionID: "w-1", Name: "w"}); err != nil {
		t.Fatal(err)
	}

	first, err := r.MarkRelayed(tm.ID, "w-1")
	if err != nil || !first {
		t.Fatalf("first MarkRelayed = %v, %v; want true, nil", first, err)
	}
	second, err := r.MarkRelayed(tm.ID, "w-1")
	if err != nil || second {
		t.Fatalf("second MarkRelayed = %v, %v; want false, nil", second, err)
	}

	if err := r.ClearRelayed(tm.ID, "w-1"); err != nil {
		t.Fatal(err)
	}
	again, _ := r.MarkRelayed(tm.ID, "w-1")
	if !again {
		t.Error("MarkRelayed after ClearRelayed should return true")
	}
}

func TestUpdateTaskStatusIdempotentTerminal(t *testing.T) {
	r, tm := newTestTeam(t)
	task := &Task{Title: "do a thing"}
	if err := r.CreateTask(tm.ID, task); err != nil {
		t.Fatal(err)
	}

	if err := r.UpdateTaskStatus(tm.ID, task.ID, TaskCompleted); err != nil {
		t.Fatal(err)
	}
	firstUpdate := task.UpdatedAt

	time.Sleep(2 * time.Millisecond)
	if err := r.UpdateTaskStatus(tm.ID, task.ID, TaskCompleted); err != nil {
		t.Fatal(err)
	}
	if !task.UpdatedAt.Equal(firstUpdate) {
		t.Error("re-applying completed should be a no-op")
	}
}

func TestAssignTaskMovesInProgress(t *testing.T) {
	r, tm := newTestTeam(t)
	task := &Task{Title: "t"}
	if err := r.CreateTask(tm.ID, task); err != nil {
		t.Fatal(err)
	}
	if err := r.AssignTask(tm.ID, task.ID, "w-1"); err != nil {
		t.Fatal(err)
	}
	if task.Status != TaskInProgress || task.Assignee != "w-1" {
		t.Errorf("task = %+v, want in_progress assigned to w-1", task)
	}

	got, ok := r.ActiveTaskFor(tm.ID, "w-1")
	if !ok || got.ID != task.ID {
		t.Error("ActiveTaskFor should find the in-progress task")
	}
}

func TestRemoveTeamDropsAllState(t *testing.T) {
	r, tm := newTestTeam(t)
	if err := r.CreateTask(tm.ID, &Task{Title: "t"}); err != nil {
		t.Fatal(err)
	}
	if err := r.SetTeamSpec(tm.ID, &Spec{Title: "s"}); err != nil {
		t.Fatal(err)
	}

	r.RemoveTeam(tm.ID)

	if _, err := r.Team(tm.ID); err != ErrTeamNotFound {
		t.Errorf("Team() after removal = %v, want ErrTeamNotFound", err)
	}
	if _, err := r.TeamSpec(tm.ID); err != ErrNoSpec {
		t.Errorf("TeamSpec() after removal = %v, want ErrNoSpec", err)
	}
	if got := r.Tasks(tm.ID); len(got) != 0 {
		t.Errorf("Tasks() after removal = %d, want 0", len(got))
	}
}

func TestRecentActivityWindow(t *testing.T) {
	r, tm := newTestTeam(t)
	for i := 0; i < activityWindow+50; i++ {
		r.LogActivity(tm.ID, "", "", "tick", "x")
	}

	got := r.RecentActivity(tm.ID, 10)
	if len(got) != 10 {
		t.Errorf("RecentActivity = %d entries, want 10", len(got))
	}
}

func TestMembersByRole(t *testing.T) {
	r, tm := newTestTeam(t)
	_ = r.AddMember(tm.ID, &Member{SessionID: "r-1", Name: "reviewer-1", Role: RoleReviewer})
	_ = r.AddMember(tm.ID, &Member{SessionID: "w-1", Name: "worker-1", Role: RoleWorker})

	reviewers := r.MembersByRole(tm.ID, RoleReviewer)
	if len(reviewers) != 1 || reviewers[0].SessionID != "r-1" {
		t.Errorf("MembersByRole(reviewer) = %+v", reviewers)
	}
}

func TestWithClockStampsAllTimestamps(t *testing.T) {
	base := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	now := base
	r := NewRegistry(WithClock(func() time.Time { return now }))

	tm := r.CreateTeam("lead-1", "lead")
	if !tm.CreatedAt.Equal(base) || !tm.Members[0].LastActivity.Equal(base) {
		t.Fatalf("CreateTeam stamps = %v / %v, want %v", tm.CreatedAt, tm.Members[0].LastActivity, base)
	}

	if err := r.AddMember(tm.ID, &Member{SessionID: "w-1", Name: "w"}); err != nil {
		t.Fatal(err)
	}
	m, _ := r.Member(tm.ID, "w-1")
	if !m.LastActivity.Equal(base) {
		t.Fatalf("AddMember LastActivity = %v, want %v", m.LastActivity, base)
	}

	// Touch at a later injected instant must advance LastActivity even
	// though both are far behind the wall clock.
	now = base.Add(time.Minute)
	r.Touch(tm.ID, "w-1", now)
	if got := m.LastActivity.Sub(base); got != time.Minute {
		t.Errorf("idle after touch = %v, want 1m", got)
	}
}

func TestTeamBySession(t *testing.T) {
	r, tm := newTestTeam(t)
	_ = r.AddMember(tm.ID, &Member{SessionID: "w-1", Name: "w"})

	got, err := r.TeamBySession("w-1")
	if err != nil || got.ID != tm.ID {
		t.Errorf("TeamBySession = %v, %v", got, err)
	}
	if _, err := r.TeamBySession("stranger"); err != ErrTeamNotFound {
		t.Errorf("unknown session: got %v, want ErrTeamNotFound", err)
	}
}
