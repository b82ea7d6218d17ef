// Package team is the in-memory registry of teams, members, tasks, and
// specs. Pure data and CRUD; concurrency-safe but free of scheduling
// logic, which lives in the coordinator.
package team

import (
	"strings"
	"time"
)

// Role is a member's declared role within a team.
type Role string

const (
	RoleLead       Role = "lead"
	RoleHead       Role = "head"
	RoleWorker     Role = "worker"
	RoleReviewer   Role = "reviewer"
	RoleEscalation Role = "escalation"
)

// NormalizeRole maps arbitrary role strings onto the closed role set.
// Unknown or empty strings become RoleWorker.
func NormalizeRole(s string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleLead:
		return RoleLead
	case RoleHead:
		return RoleHead
	case RoleReviewer:
		return RoleReviewer
	case RoleEscalation:
		return RoleEscalation
	default:
		return RoleWorker
	}
}

// ClassifyMember resolves a member's effective role. The declared role
// wins; the name-substring heuristic is an explicit fallback for members
// spawned without one ("reviewer"/"qa" in the name marks a reviewer).
func ClassifyMember(declared, name string) Role {
	if strings.TrimSpace(declared) != "" {
		return NormalizeRole(declared)
	}
	lower := strings.ToLower(name)
	if strings.Contains(lower, "reviewer") || strings.Contains(lower, "qa") {
		return RoleReviewer
	}
	if strings.Contains(lower, "head") {
		return RoleHead
	}
	return RoleWorker
}

// TeamStatus is a team's lifecycle state.
type TeamStatus string

const (
	TeamActive     TeamStatus = "active"
	TeamCleaningUp TeamStatus = "cleaning-up"
	TeamCompleted  TeamStatus = "completed"
	TeamError      TeamStatus = "error"
)

// TaskStatus is a task's lifecycle state.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// terminal reports whether a task status is final.
func (s TaskStatus) terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Team groups a lead and its spawned members.
type Team struct {
	ID        string
	LeadID    string // session id of the lead
	Members   []*Member
	Status    TeamStatus
	Color     string
	CreatedAt time.Time
}

// Member is a single agent session belonging to a team.
type Member struct {
	SessionID    string
	Name         string
	Role         Role
	Model        string
	Provider     string
	ParentID     string // session that spawned this member
	TokensUsed   int64
	LastActivity time.Time
	relayed      bool // completion already relayed to the lead
}

// Task is a unit of work assigned to a member.
type Task struct {
	ID           string
	Title        string
	Description  string
	Requirements []string // requirement ids this task covers
	Phase        string
	PhaseOrder   int
	Status       TaskStatus
	Assignee     string // member session id
	DependsOn    []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Spec is the structured specification an autonomous run works from.
type Spec struct {
	Title        string
	Requirements []Requirement
	CreatedAt    time.Time
}

// Requirement is one item of a spec.
type Requirement struct {
	ID          string
	Description string
	Priority    string // critical, high, medium, low
	References  []string
}

// Activity is one entry of the team activity log.
type Activity struct {
	Time      time.Time
	TeamID    string
	SessionID string
	Name      string
	Action    string
	Message   string
}
