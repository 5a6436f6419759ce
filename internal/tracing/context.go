package tracing

import (
	"context"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// ConversationIDKey is the context key for the conversation a call belongs to
	ConversationIDKey ContextKey = "conversation_id"
	// EpochIDKey is the context key for the current execution epoch
	EpochIDKey ContextKey = "epoch_id"
	// WorkflowTypeKey is the context key for the workflow variant name
	WorkflowTypeKey ContextKey = "workflow_type"
	// ActivityKey is the context key for the activity being executed
	ActivityKey ContextKey = "activity"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID        string
	ConversationID string
	EpochID        string
	WorkflowType   string
	Activity       string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewEpochID generates a short epoch identifier.
func NewEpochID() string {
	id, err := gonanoid.New(12)
	if err != nil {
		return uuid.New().String()[:12]
	}
	return id
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithConversationID adds a conversation ID to the context
func WithConversationID(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, ConversationIDKey, conversationID)
}

// WithEpochID adds an epoch ID to the context
func WithEpochID(ctx context.Context, epochID string) context.Context {
	return context.WithValue(ctx, EpochIDKey, epochID)
}

// WithWorkflowType adds the workflow variant name to the context
func WithWorkflowType(ctx context.Context, workflowType string) context.Context {
	return context.WithValue(ctx, WorkflowTypeKey, workflowType)
}

// WithActivity adds the activity name to the context
func WithActivity(ctx context.Context, activity string) context.Context {
	return context.WithValue(ctx, ActivityKey, activity)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string { return stringValue(ctx, TraceIDKey) }

// GetConversationID retrieves the conversation ID from the context
func GetConversationID(ctx context.Context) string { return stringValue(ctx, ConversationIDKey) }

// GetEpochID retrieves the epoch ID from the context
func GetEpochID(ctx context.Context) string { return stringValue(ctx, EpochIDKey) }

// GetWorkflowType retrieves the workflow variant name from the context
func GetWorkflowType(ctx context.Context) string { return stringValue(ctx, WorkflowTypeKey) }

// GetActivity retrieves the activity name from the context
func GetActivity(ctx context.Context) string { return stringValue(ctx, ActivityKey) }

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:        GetTraceID(ctx),
		ConversationID: GetConversationID(ctx),
		EpochID:        GetEpochID(ctx),
		WorkflowType:   GetWorkflowType(ctx),
		Activity:       GetActivity(ctx),
	}
}

type field struct {
	log   string // zerolog key
	span  string // span attribute key
	value string
}

// fields lists the non-empty ids in a fixed order.
func (tc *TraceContext) fields() []field {
	all := []field{
		{"trace_id", "", tc.TraceID},
		{"conversation_id", "conversation.id", tc.ConversationID},
		{"epoch_id", "epoch.id", tc.EpochID},
		{"workflow_type", "workflow.type", tc.WorkflowType},
		{"activity", "activity.name", tc.Activity},
	}
	out := all[:0]
	for _, f := range all {
		if f.value != "" {
			out = append(out, f)
		}
	}
	return out
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.ConversationID != "" {
		ctx = WithConversationID(ctx, tc.ConversationID)
	}
	if tc.EpochID != "" {
		ctx = WithEpochID(ctx, tc.EpochID)
	}
	if tc.WorkflowType != "" {
		ctx = WithWorkflowType(ctx, tc.WorkflowType)
	}
	if tc.Activity != "" {
		ctx = WithActivity(ctx, tc.Activity)
	}
	return ctx
}

// NewEpochContext tags ctx with a conversation and a fresh epoch ID.
// The trace ID is kept when present so continuations stay on one trace.
func NewEpochContext(ctx context.Context, conversationID, workflowType string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithConversationID(ctx, conversationID)
	ctx = WithWorkflowType(ctx, workflowType)
	return WithEpochID(ctx, NewEpochID())
}
