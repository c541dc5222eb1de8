package types

import (
	"fmt"
	"strings"
	"time"
)

// Algorithm selects how the assignment engine picks an agent
type Algorithm string

const (
	AlgorithmRoundRobin Algorithm = "round_robin"
	AlgorithmLeastBusy  Algorithm = "least_busy"
	AlgorithmSkillBased Algorithm = "skill_based"
)

// Valid reports whether a is a known algorithm
func (a Algorithm) Valid() bool {
	switch a {
	case AlgorithmRoundRobin, AlgorithmLeastBusy, AlgorithmSkillBased:
		return true
	}
	return false
}

// WorkingHours restricts automatic assignment to a daily window
type WorkingHours struct {
	Timezone  string         `json:"timezone" yaml:"timezone" dynamodbav:"Timezone"`
	StartHour int            `json:"startHour" yaml:"start_hour" dynamodbav:"StartHour"`
	EndHour   int            `json:"endHour" yaml:"end_hour" dynamodbav:"EndHour"`
	WorkDays  []time.Weekday `json:"workDays" yaml:"work_days" dynamodbav:"WorkDays"`
}

// Contains reports whether t falls inside the window. An unknown timezone
// falls back to UTC, an empty WorkDays list means every day.
func (w *WorkingHours) Contains(t time.Time) bool {
	if w == nil {
		return true
	}
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil || w.Timezone == "" {
		loc = time.UTC
	}
	local := t.In(loc)

	if len(w.WorkDays) > 0 {
		workday := false
		for _, d := range w.WorkDays {
			if d == local.Weekday() {
				workday = true
				break
			}
		}
		if !workday {
			return false
		}
	}

	hour := local.Hour()
	return hour >= w.StartHour && hour < w.EndHour
}

// QueueRule is the per-department queue configuration. Values are treated as
// immutable once handed out by the rule store.
type QueueRule struct {
	DepartmentID                  string               `json:"departmentId" yaml:"department_id" dynamodbav:"DepartmentID"`
	MaxQueueSize                  int                  `json:"maxQueueSize" yaml:"max_queue_size" dynamodbav:"MaxQueueSize"`
	MaxWaitMinutes                int                  `json:"maxWaitMinutes" yaml:"max_wait_minutes" dynamodbav:"MaxWaitMinutes"`
	FirstNotificationAfterMinutes int                  `json:"firstNotificationAfterMinutes" yaml:"first_notification_after_minutes" dynamodbav:"FirstNotificationAfterMinutes"`
	NotificationIntervalMinutes   int                  `json:"notificationIntervalMinutes" yaml:"notification_interval_minutes" dynamodbav:"NotificationIntervalMinutes"`
	MaxNotifications              int                  `json:"maxNotifications" yaml:"max_notifications" dynamodbav:"MaxNotifications"`
	PriorityWeights               map[Priority]float64 `json:"priorityWeights,omitempty" yaml:"priority_weights" dynamodbav:"PriorityWeights,omitempty"`
	VIPPriorityEnabled            bool                 `json:"vipPriorityEnabled" yaml:"vip_priority_enabled" dynamodbav:"VIPPriorityEnabled"`
	WorkingHours                  *WorkingHours        `json:"workingHours,omitempty" yaml:"working_hours" dynamodbav:"WorkingHours,omitempty"`
	AutoAssignmentEnabled         bool                 `json:"autoAssignmentEnabled" yaml:"auto_assignment_enabled" dynamodbav:"AutoAssignmentEnabled"`
	AssignmentAlgorithm           Algorithm            `json:"assignmentAlgorithm" yaml:"assignment_algorithm" dynamodbav:"AssignmentAlgorithm"`
	EscalationEnabled             bool                 `json:"escalationEnabled" yaml:"escalation_enabled" dynamodbav:"EscalationEnabled"`
	EscalationMinutes             int                  `json:"escalationMinutes" yaml:"escalation_minutes" dynamodbav:"EscalationMinutes"`
	EscalationDepartmentID        string               `json:"escalationDepartmentId,omitempty" yaml:"escalation_department_id" dynamodbav:"EscalationDepartmentID,omitempty"`
	IsActive                      bool                 `json:"isActive" yaml:"is_active" dynamodbav:"IsActive"`
}

// DefaultRule returns the configuration used for departments without a rule
func DefaultRule(departmentID string) QueueRule {
	return QueueRule{
		DepartmentID:                  departmentID,
		MaxQueueSize:                  0,
		MaxWaitMinutes:                0,
		FirstNotificationAfterMinutes: 2,
		NotificationIntervalMinutes:   5,
		MaxNotifications:              3,
		AutoAssignmentEnabled:         true,
		AssignmentAlgorithm:           AlgorithmRoundRobin,
		IsActive:                      true,
	}
}

// PriorityWeight returns the configured weight for p, or the default scale
func (r QueueRule) PriorityWeight(p Priority) float64 {
	if w, ok := r.PriorityWeights[p]; ok {
		return w
	}
	return DefaultPriorityWeights[p]
}

// Normalize fills zero values that would break scheduling and returns a copy
func (r QueueRule) Normalize() QueueRule {
	if r.AssignmentAlgorithm == "" {
		r.AssignmentAlgorithm = AlgorithmRoundRobin
	}
	if r.NotificationIntervalMinutes < 1 {
		r.NotificationIntervalMinutes = 1
	}
	if r.PriorityWeights != nil {
		weights := make(map[Priority]float64, len(r.PriorityWeights))
		for p, w := range r.PriorityWeights {
			weights[p] = w
		}
		r.PriorityWeights = weights
	}
	if r.WorkingHours != nil {
		wh := *r.WorkingHours
		wh.WorkDays = append([]time.Weekday(nil), r.WorkingHours.WorkDays...)
		r.WorkingHours = &wh
	}
	return r
}

// Validate checks the rule for values the engine cannot act on
func (r QueueRule) Validate() error {
	var problems []string
	if r.DepartmentID == "" {
		problems = append(problems, "department id is required")
	}
	if r.AssignmentAlgorithm != "" && !r.AssignmentAlgorithm.Valid() {
		problems = append(problems, fmt.Sprintf("unknown assignment algorithm %q", r.AssignmentAlgorithm))
	}
	for p := range r.PriorityWeights {
		if !p.Valid() {
			problems = append(problems, fmt.Sprintf("unknown priority %q in weights", p))
		}
	}
	if r.MaxQueueSize < 0 || r.MaxWaitMinutes < 0 || r.MaxNotifications < 0 ||
		r.FirstNotificationAfterMinutes < 0 || r.EscalationMinutes < 0 {
		problems = append(problems, "negative limits are not allowed")
	}
	if r.EscalationEnabled && r.EscalationMinutes == 0 {
		problems = append(problems, "escalation_minutes must be set when escalation is enabled")
	}
	if wh := r.WorkingHours; wh != nil {
		if wh.StartHour < 0 || wh.StartHour > 23 || wh.EndHour < 1 || wh.EndHour > 24 || wh.StartHour >= wh.EndHour {
			problems = append(problems, "working hours must satisfy 0 <= start < end <= 24")
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("queue rule %q: %s: %w", r.DepartmentID, strings.Join(problems, "; "), ErrInvalidInput)
	}
	return nil
}
