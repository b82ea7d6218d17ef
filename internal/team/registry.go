package team

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry errors.
var (
	ErrTeamNotFound   = errors.New("team not found")
	ErrMemberNotFound = errors.New("member not found")
	ErrTaskNotFound   = errors.New("task not found")
	ErrLeadExists     = errors.New("team already has a lead")
	ErrNoSpec         = errors.New("team has no spec")
)

// ActivitySink receives activity entries for persistence. Optional.
type ActivitySink interface {
	LogTeamActivity(teamID, sessionID, name, action, message string) error
}

const activityWindow = 200 // retained in-memory entries per registry

// Registry stores teams, members, tasks, and specs in memory.
type Registry struct {
	mu       sync.RWMutex
	teams    map[string]*Team
	tasks    map[string]map[string]*Task // team id -> task id -> task
	specs    map[string]*Spec
	activity []Activity
	sink     ActivitySink
	colors   int
	now      func() time.Time
}

var teamColors = []string{"blue", "green", "magenta", "cyan", "yellow", "red"}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the registry's time source. All created teams,
// members, tasks, and activity entries are stamped through it, so a
// test clock stays consistent with the timestamps Touch compares
// against.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		teams: make(map[string]*Team),
		tasks: make(map[string]map[string]*Task),
		specs: make(map[string]*Spec),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetActivitySink attaches a persistence sink for activity entries.
func (r *Registry) SetActivitySink(sink ActivitySink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

// CreateTeam creates a team led by the given session.
func (r *Registry) CreateTeam(leadSessionID, leadName string) *Team {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := &Team{
		ID:        uuid.NewString(),
		LeadID:    leadSessionID,
		Status:    TeamActive,
		Color:     teamColors[r.colors%len(teamColors)],
		CreatedAt: r.now(),
	}
	r.colors++

	lead := &Member{
		SessionID:    leadSessionID,
		Name:         leadName,
		Role:         RoleLead,
		LastActivity: r.now(),
	}
	t.Members = append(t.Members, lead)

	r.teams[t.ID] = t
	r.tasks[t.ID] = make(map[string]*Task)
	return t
}

// Team returns a team by id.
func (r *Registry) Team(id string) (*Team, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.teams[id]
	if !ok {
		return nil, ErrTeamNotFound
	}
	return t, nil
}

// Teams returns all registered teams.
func (r *Registry) Teams() []*Team {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Team, 0, len(r.teams))
	for _, t := range r.teams {
		out = append(out, t)
	}
	return out
}

// TeamBySession returns the team containing the given session.
func (r *Registry) TeamBySession(sessionID string) (*Team, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.teams {
		for _, m := range t.Members {
			if m.SessionID == sessionID {
				return t, nil
			}
		}
	}
	return nil, ErrTeamNotFound
}

// AddMember adds a member to a team. The role string is normalized onto
// the closed role set; a second lead is rejected.
func (r *Registry) AddMember(teamID string, m *Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.teams[teamID]
	if !ok {
		return ErrTeamNotFound
	}

	m.Role = ClassifyMember(string(m.Role), m.Name)
	if m.Role == RoleLead {
		return ErrLeadExists
	}
	if m.LastActivity.IsZero() {
		m.LastActivity = r.now()
	}

	t.Members = append(t.Members, m)
	return nil
}

// Member returns a member of a team by session id.
func (r *Registry) Member(teamID, sessionID string) (*Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.memberLocked(teamID, sessionID)
}

func (r *Registry) memberLocked(teamID, sessionID string) (*Member, error) {
	t, ok := r.teams[teamID]
	if !ok {
		return nil, ErrTeamNotFound
	}
	for _, m := range t.Members {
		if m.SessionID == sessionID {
			return m, nil
		}
	}
	return nil, ErrMemberNotFound
}

// MarkRelayed sets the member's already-relayed flag and reports whether
// this call was the first to set it. Callers set the flag before any
// asynchronous work so re-entrant stop signals are de-duplicated.
func (r *Registry) MarkRelayed(teamID, sessionID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.memberLocked(teamID, sessionID)
	if err != nil {
		return false, err
	}
	if m.relayed {
		return false, nil
	}
	m.relayed = true
	return true, nil
}

// ClearRelayed resets the already-relayed flag, e.g. when a teammate is
// restarted on a new task.
func (r *Registry) ClearRelayed(teamID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.memberLocked(teamID, sessionID)
	if err != nil {
		return err
	}
	m.relayed = false
	return nil
}

// Touch updates a member's last-activity timestamp.
func (r *Registry) Touch(teamID, sessionID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, err := r.memberLocked(teamID, sessionID); err == nil {
		if at.After(m.LastActivity) {
			m.LastActivity = at
		}
	}
}

// AddTokens accumulates token usage for a member.
func (r *Registry) AddTokens(teamID, sessionID string, tokens int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, err := r.memberLocked(teamID, sessionID); err == nil {
		m.TokensUsed += tokens
	}
}

// SetTeamStatus transitions a team's lifecycle status.
func (r *Registry) SetTeamStatus(teamID string, status TeamStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.teams[teamID]
	if !ok {
		return ErrTeamNotFound
	}
	t.Status = status
	return nil
}

// RemoveTeam deletes a team and all its tasks and spec.
func (r *Registry) RemoveTeam(teamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.teams, teamID)
	delete(r.tasks, teamID)
	delete(r.specs, teamID)
}

// SetTeamSpec stores the spec for a team.
func (r *Registry) SetTeamSpec(teamID string, spec *Spec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.teams[teamID]; !ok {
		return ErrTeamNotFound
	}
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = r.now()
	}
	r.specs[teamID] = spec
	return nil
}

// TeamSpec returns the stored spec for a team.
func (r *Registry) TeamSpec(teamID string) (*Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.specs[teamID]
	if !ok {
		return nil, ErrNoSpec
	}
	return spec, nil
}

// CreateTask adds a task to a team.
func (r *Registry) CreateTask(teamID string, task *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tasks, ok := r.tasks[teamID]
	if !ok {
		return ErrTeamNotFound
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = TaskPending
	}
	task.CreatedAt = r.now()
	task.UpdatedAt = task.CreatedAt
	tasks[task.ID] = task
	return nil
}

// Tasks returns all tasks for a team.
func (r *Registry) Tasks(teamID string) []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Task, 0, len(r.tasks[teamID]))
	for _, task := range r.tasks[teamID] {
		out = append(out, task)
	}
	return out
}

// AssignTask sets a task's assignee and moves it in_progress.
func (r *Registry) AssignTask(teamID, taskID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[teamID][taskID]
	if !ok {
		return ErrTaskNotFound
	}
	task.Assignee = sessionID
	task.Status = TaskInProgress
	task.UpdatedAt = r.now()
	return nil
}

// UpdateTaskStatus transitions a task. Re-applying a terminal status is
// a no-op so concurrent writers (coordinator, health monitor) can both
// settle a task without duplicate side effects.
func (r *Registry) UpdateTaskStatus(teamID, taskID string, status TaskStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[teamID][taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status == status && status.terminal() {
		return nil
	}
	task.Status = status
	task.UpdatedAt = r.now()
	return nil
}

// ActiveTaskFor returns the in-progress task assigned to a session, if any.
func (r *Registry) ActiveTaskFor(teamID, sessionID string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, task := range r.tasks[teamID] {
		if task.Assignee == sessionID && task.Status == TaskInProgress {
			return task, true
		}
	}
	return nil, false
}

// LogActivity appends to the in-memory activity log and, when a sink is
// attached, persists the entry. Sink failures are logged by the sink
// owner; the in-memory log is authoritative for display.
func (r *Registry) LogActivity(teamID, sessionID, name, action, message string) {
	r.mu.Lock()
	entry := Activity{
		Time:      r.now(),
		TeamID:    teamID,
		SessionID: sessionID,
		Name:      name,
		Action:    action,
		Message:   message,
	}
	r.activity = append(r.activity, entry)
	if len(r.activity) > activityWindow {
		r.activity = r.activity[len(r.activity)-activityWindow:]
	}
	sink := r.sink
	r.mu.Unlock()

	if sink != nil {
		_ = sink.LogTeamActivity(teamID, sessionID, name, action, message)
	}
}

// RecentActivity returns up to n most recent activity entries for a team.
func (r *Registry) RecentActivity(teamID string, n int) []Activity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Activity
	for i := len(r.activity) - 1; i >= 0 && len(out) < n; i-- {
		if r.activity[i].TeamID == teamID {
			out = append(out, r.activity[i])
		}
	}
	return out
}

// AllNonLeadRelayed reports whether every non-lead member's completion
// has been relayed. Vacuously true for a team with no teammates.
func (r *Registry) AllNonLeadRelayed(teamID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.teams[teamID]
	if !ok {
		return false
	}
	for _, m := range t.Members {
		if m.Role == RoleLead {
			continue
		}
		if !m.relayed {
			return false
		}
	}
	return true
}

// MemberView is a copied projection of a member, safe to hold without
// the registry lock. Heartbeat snapshots and the dashboard read these.
type MemberView struct {
	SessionID    string
	Name         string
	Role         Role
	Model        string
	TokensUsed   int64
	LastActivity time.Time
	Relayed      bool
}

// MemberViews returns copies of all members of a team, lead included.
func (r *Registry) MemberViews(teamID string) []MemberView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.teams[teamID]
	if !ok {
		return nil
	}
	out := make([]MemberView, 0, len(t.Members))
	for _, m := range t.Members {
		out = append(out, MemberView{
			SessionID:    m.SessionID,
			Name:         m.Name,
			Role:         m.Role,
			Model:        m.Model,
			TokensUsed:   m.TokensUsed,
			LastActivity: m.LastActivity,
			Relayed:      m.relayed,
		})
	}
	return out
}

// MembersByRole returns the team members with the given effective role.
func (r *Registry) MembersByRole(teamID string, role Role) []*Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.teams[teamID]
	if !ok {
		return nil
	}
	var out []*Member
	for _, m := range t.Members {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

// String implements fmt.Stringer for debugging.
func (t *Team) String() string {
	return fmt.Sprintf("team %s (%d members, %s)", t.ID, len(t.Members), t.Status)
}
