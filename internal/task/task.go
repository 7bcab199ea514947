// Package task defines the generation-task model and its Redis-backed store.
package task

// Status is the lifecycle state of a task. It only ever moves forward:
// SUBMITTED -> IN_PROGRESS -> SUCCESS | FAILURE.
type Status string

const (
	StatusSubmitted  Status = "SUBMITTED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusSuccess    Status = "SUCCESS"
	StatusFailure    Status = "FAILURE"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// rank orders statuses along the state machine so updates never regress.
func (s Status) rank() int {
	switch s {
	case StatusSubmitted:
		return 0
	case StatusInProgress:
		return 1
	case StatusSuccess, StatusFailure:
		return 2
	}
	return -1
}

// Button is a follow-up action attached to a completed message.
type Button struct {
	CustomID string `json:"customId"`
	Label    string `json:"label"`
	Emoji    string `json:"emoji,omitempty"`
	Style    int    `json:"style,omitempty"`
}

// Task is the unit of work tracked from command submission to completion.
// The TaskID doubles as the protocol nonce on submission, which is the
// strongest correlation signal the gateway echoes back.
type Task struct {
	TaskID          string   `json:"taskId"`
	UserID          string   `json:"userId"`
	NodeID          string   `json:"nodeId,omitempty"`
	SourceMessageID string   `json:"sourceMessageId,omitempty"`
	Prompt          string   `json:"prompt,omitempty"`
	Status          Status   `json:"status"`
	AccountID       int64    `json:"accountId"`
	MessageID       string   `json:"messageId,omitempty"`
	MessageHash     string   `json:"messageHash,omitempty"`
	Progress        string   `json:"progress,omitempty"`
	Buttons         []Button `json:"buttons,omitempty"`
	ResultURL       string   `json:"resultUrl,omitempty"`
	NativeURL       string   `json:"nativeUrl,omitempty"`
	FailReason      string   `json:"failReason,omitempty"`
	CreatedAt       int64    `json:"createdAt"` // epoch millis
}

// Pending reports whether the task still awaits a terminal event.
func (t Task) Pending() bool {
	return !t.Status.Terminal()
}

// ChangeType labels store change notifications.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Change is broadcast to every process whenever a task record changes, so
// non-owning processes can wait on tasks without asking the owner directly.
type Change struct {
	Type   ChangeType `json:"type"`
	TaskID string     `json:"taskId"`
	Task   *Task      `json:"task,omitempty"`
}
