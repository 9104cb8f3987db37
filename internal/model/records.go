// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import "time"

// Passage is one ranked retrieval result.
type Passage struct {
	ID      string  `json:"id,omitempty"`
	Content string  `json:"content"`
	Source  string  `json:"source,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// Role identifies the speaker of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the role name.
func (r Role) String() string {
	return string(r)
}

// Turn is one short-term memory entry.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTurn creates a turn stamped with the current time.
func NewTurn(role Role, content string) Turn {
	return Turn{Role: role, Content: content, Timestamp: time.Now()}
}

// Owner keys long-term memory. Either field may be empty, not both.
type Owner struct {
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// IsZero reports whether neither id is set.
func (o Owner) IsZero() bool {
	return o.UserID == "" && o.SessionID == ""
}

// Interaction is an append-only long-term memory record of an accepted
// answer.
type Interaction struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	Query      string    `json:"query"`
	Answer     string    `json:"answer"`
	ModelUsed  string    `json:"model_used,omitempty"`
	JudgeScore float64   `json:"judge_score"`
	CreatedAt  time.Time `json:"created_at"`
}

// Owner returns the memory owner of the record.
func (i Interaction) Owner() Owner {
	return Owner{UserID: i.UserID, SessionID: i.SessionID}
}

// Matches reports whether the record belongs to o. A set field in o must
// match; an empty field matches anything.
func (i Interaction) Matches(o Owner) bool {
	if o.UserID != "" && o.UserID != i.UserID {
		return false
	}
	if o.SessionID != "" && o.SessionID != i.SessionID {
		return false
	}
	return true
}
