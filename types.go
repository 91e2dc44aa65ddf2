package cortex

import (
	"encoding/json"
	"fmt"
)

// NodeType is the closed set of node kinds the KnowledgeStore accepts.
// Extending it means extending every switch over it too — this is a
// closed tagged union, not an open string.
type NodeType string

const (
	NodeChat       NodeType = "chat"
	NodeMessage    NodeType = "message"
	NodeSummary    NodeType = "summary"
	NodeTask       NodeType = "task"
	NodeFact       NodeType = "fact"
	NodeToolResult NodeType = "tool_result"
)

// EdgeType is the closed set of edge kinds connecting Nodes.
type EdgeType string

const (
	EdgeHasMessage   EdgeType = "HAS_MESSAGE"   // Chat -> ChatMessage
	EdgeSummarizes   EdgeType = "SUMMARIZES"    // Summary -> ChatMessage (the range it replaces)
	EdgeDependsOn    EdgeType = "DEPENDS_ON"    // Task -> Task
	EdgeProduced     EdgeType = "PRODUCED"      // Task -> Fact | ToolResult
	EdgeDerivedFrom  EdgeType = "DERIVED_FROM"  // Fact -> ChatMessage
	EdgeScheduledFor EdgeType = "SCHEDULED_FOR" // Task -> Chat
)

// Node is the generic, typed graph vertex. Chat and ChatMessage are
// not Nodes: they are addressed through dedicated store methods and
// persisted in their own chat and message tables.
type Node struct {
	ID        string          `json:"id"`
	Type      NodeType        `json:"type"`
	UserID    string          `json:"user_id"`
	CreatedAt int64           `json:"created_at"`
	Data      json.RawMessage `json:"data"`
}

// Edge is a directed, typed connection between two Nodes. The triple
// (FromID, ToID, Type) is unique at the store level: a second CreateEdge
// for the same triple merges Properties into the existing row in place
// rather than creating a duplicate.
type Edge struct {
	ID         string          `json:"id"`
	Type       EdgeType        `json:"type"`
	FromID     string          `json:"from_id"`
	ToID       string          `json:"to_id"`
	Properties json.RawMessage `json:"properties,omitempty"`
	CreatedAt  int64           `json:"created_at"`
}

// MergeEdgeProperties shallow-merges incoming over existing, both
// JSON objects, returning the merged object. A nil/empty operand is
// treated as an empty object. Keys in incoming win on conflict. Used by
// KnowledgeStore backends when CreateEdge targets an already-present
// (from_id, to_id, type) triple.
func MergeEdgeProperties(existing, incoming json.RawMessage) (json.RawMessage, error) {
	merged := map[string]any{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &merged); err != nil {
			return nil, fmt.Errorf("merge edge properties: decode existing: %w", err)
		}
	}
	if len(incoming) > 0 {
		var next map[string]any
		if err := json.Unmarshal(incoming, &next); err != nil {
			return nil, fmt.Errorf("merge edge properties: decode incoming: %w", err)
		}
		for k, v := range next {
			merged[k] = v
		}
	}
	if len(merged) == 0 {
		return nil, nil
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("merge edge properties: encode: %w", err)
	}
	return out, nil
}

// Role is a ChatMessage's speaker.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Chat is a persistent conversation. One Chat owns many ChatMessages,
// linked by ChatMessage.ChatID. Deleting a Chat cascades to its messages
// and summary records, one-directionally — messages never outlive their Chat, but a
// Chat's deletion never touches Tasks or Facts derived from it.
type Chat struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Title     string `json:"title,omitempty"`
	ModelID   string `json:"model_id,omitempty"` // last ModelProvider model used
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// MessageType classifies a ChatMessage beyond its Role, distinguishing
// a plain turn from a Summary checkpoint, a tool-call/tool-result pair,
// or an internal bootstrap message never shown to the end user.
type MessageType string

const (
	MessageTypeMessage    MessageType = "message"
	MessageTypeSummary    MessageType = "summary"
	MessageTypeToolUse    MessageType = "tool_use"
	MessageTypeToolResult MessageType = "tool_result"
	MessageTypeInternal   MessageType = "internal"
)

// ChatMessage is one turn in a Chat's history, or a Summary checkpoint
// standing in for a contiguous earlier range of turns.
type ChatMessage struct {
	ID         string          `json:"id"`
	ChatID     string          `json:"chat_id"`
	Role       Role            `json:"role"`
	Content    string          `json:"content"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	IsSummary  bool            `json:"is_summary,omitempty"`
	// Internal marks a message injected as scheduler bootstrap framing
	// rather than real dialogue: hidden from end-user views but still
	// fed into model context like any other history entry.
	Internal  bool            `json:"internal,omitempty"`
	Type      MessageType     `json:"message_type,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt int64           `json:"created_at"`
}

// ToolDefinition describes one callable tool as advertised to a
// ModelProvider: name, description, and a JSON Schema for its input, in
// the tool server's native dialect. ModelProvider.PrepareTools
// normalizes it to the provider's own schema dialect.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolCall is a single invocation requested by the model inside an
// assistant turn.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is what a ToolClient returns for one ToolCall.
type ToolResult struct {
	CallID    string `json:"call_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Usage reports token accounting for one ModelProvider call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is what a ModelProvider returns for one turn.
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
	ModelID   string     `json:"model_id"`
}

// ChatRequest is the provider-agnostic request shape sent to a
// ModelProvider. History is the already budgeted message window
// produced by MessageService; SystemPrompt is a distinct field so
// providers that require it outside the message list can honor that.
type ChatRequest struct {
	SystemPrompt string
	History      []ChatMessage
	Tools        []ToolDefinition
	Temperature  float64
}

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: RoleTool, Content: content, ToolCallID: callID}
}

// TaskStatus is the closed set of TaskQueue lifecycle states.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Task is one unit of scheduled or queued work. A recurring task's
// ScheduledTaskName is stable across recurrences and is the
// de-duplication key AddTask uses to avoid double-enqueueing the same
// recurrence tick.
type Task struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	ChatID            string     `json:"chat_id"` // recurring tasks: chat reused across recurrences; manual tasks dispatch into a fresh chat
	Instruction       string     `json:"instruction"`
	Status            TaskStatus `json:"status"`
	ScheduledTaskName string     `json:"scheduled_task_name,omitempty"`
	DependsOn         []string   `json:"depends_on,omitempty"`
	CreatedAt         int64      `json:"created_at"`
	UpdatedAt         int64      `json:"updated_at"`
	StartedAt         int64      `json:"started_at,omitempty"`
	CompletedAt       int64      `json:"completed_at,omitempty"`
	Error             string     `json:"error,omitempty"`
}

// RecurrencePolicy is the closed set of recurrence kinds a
// RecurringTaskSpec may declare.
type RecurrencePolicy string

const (
	RecurCycles RecurrencePolicy = "cycles" // fire N times total then stop
	RecurEvery  RecurrencePolicy = "every"  // fire every duration D, indefinitely
	RecurCron   RecurrencePolicy = "cron"   // fire on a standard 5-field cron expression
)

// RecurringTaskSpec describes one recurring task loaded from the YAML
// recurring-task config (see internal/config).
type RecurringTaskSpec struct {
	Name        string           `yaml:"name"`
	Instruction string           `yaml:"instruction"`
	Policy      RecurrencePolicy `yaml:"policy"`
	Cycles      int              `yaml:"cycles,omitempty"`
	Every       string           `yaml:"every,omitempty"` // parsed with time.ParseDuration
	Cron        string           `yaml:"cron,omitempty"`
	UserID      string           `yaml:"user_id"`
	Identity    string           `yaml:"identity,omitempty"` // optional system-prompt override

	// Enabled defaults to true when the YAML omits it. A pointer so the
	// zero value of a plain bool (false) can't be mistaken for an
	// explicit "enabled: false".
	Enabled *bool `yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the spec should be evaluated by the
// Scheduler: true unless the YAML explicitly set enabled: false, or
// config.LoadRecurringTasks overrode it for a reserved task name.
func (s RecurringTaskSpec) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}
