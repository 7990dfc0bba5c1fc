package pkg

import (
	"fmt"
	"time"
)

// Role describes who authored a conversation turn.  The set is closed:
// values outside it are rejected by ParseRole.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole converts a stored or transported role string into a Role.
// "human" is accepted as an alias of "user".
func ParseRole(s string) (Role, error) {
	switch s {
	case "system":
		return RoleSystem, nil
	case "user", "human":
		return RoleUser, nil
	case "assistant", "ai":
		return RoleAssistant, nil
	}
	return "", fmt.Errorf("unknown message role %q", s)
}

// Turn is a single role-tagged entry of a conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ConditionData holds the clinical attributes of one patient condition as
// decoded from JSON.  Values are scalars, nested objects or arrays.
type ConditionData map[string]any

// User is a patient of the EHR system, keyed by the 13-digit EHR user id.
type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Condition is a diagnosed condition belonging to a user.
type Condition struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Name      string    `json:"name"`
	NameEn    string    `json:"name_en,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is one conversation about a single condition.
type Session struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	ConditionID int64     `json:"condition_id"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Message is a persisted message in a session.
type Message struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ContextData is the payload used to request an initial educational note.
// TreatmentPlanName is accepted for clients that still send the older field.
type ContextData struct {
	ConditionName     string        `json:"condition_name"`
	TreatmentPlanName string        `json:"treatment_plan_name"`
	ConditionData     ConditionData `json:"condition_data"`
}

// Name returns the condition name, preferring ConditionName.
func (c ContextData) Name() string {
	if c.ConditionName != "" {
		return c.ConditionName
	}
	return c.TreatmentPlanName
}

// GenerateInitialMessageRequest is the body of POST /generate-initial-message.
type GenerateInitialMessageRequest struct {
	Context   ContextData `json:"context"`
	SessionID int64       `json:"session_id"`
}

// GenerateInitialMessageResponse carries the generated note.  Fallback is set
// when Message is an apology produced after a provider failure.
type GenerateInitialMessageResponse struct {
	Message  string `json:"message"`
	Success  bool   `json:"success"`
	Fallback bool   `json:"fallback,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Question            string        `json:"question" validate:"required"`
	SessionID           *int64        `json:"session_id" validate:"required"`
	ConversationHistory []TurnPayload `json:"conversation_history" validate:"omitempty,dive"`
	ConditionData       ConditionData `json:"condition_data"`
}

// TurnPayload is a role/content pair as sent by clients.
type TurnPayload struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant human ai"`
	Content string `json:"content"`
}

// ChatResponse carries the chatbot answer.
type ChatResponse struct {
	Answer   string `json:"answer"`
	Success  bool   `json:"success"`
	Fallback bool   `json:"fallback,omitempty"`
	Error    string `json:"error,omitempty"`
}

// UserOverview lists a user's conditions and their most recent sessions.
type UserOverview struct {
	User       User        `json:"user"`
	Conditions []Condition `json:"conditions"`
	Sessions   []Session   `json:"sessions"`
}
