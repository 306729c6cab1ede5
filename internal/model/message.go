// Package model defines the core conversation memory types.
package model

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Roles for conversation turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Listener markers for messages not addressed to a particular party.
const (
	ListenerAll  = "all"
	ListenerSelf = "self"
)

// Document types classify a message's place in the memory system.
const (
	DocAnalysis     = "analysis"
	DocBrainstorm   = "brainstorm"
	DocCodex        = "codex"
	DocConversation = "conversation"
	DocJournal      = "journal"
	DocMOTD         = "motd"
	DocNER          = "ner-task"
	DocPondering    = "pondering"
	DocReflection   = "reflection"
	DocStep         = "step"
	DocSummary      = "summary"
)

// MetaDocTypes are internal bookkeeping documents excluded from retrieval
// by default: the system's own working notes should not surface as
// conversation content.
var MetaDocTypes = []string{DocNER, DocStep}

// Token-to-character estimate used for all character budgets.
const TokenChars = 4

// Output token budgets for generation steps.
const (
	QuarterCtx = 512
	MidCtx     = 768
	HalfCtx    = 1024
	LargeCtx   = 1536
	FullCtx    = 2048
)

// Message is the atomic unit of memory: one utterance, journal entry,
// analysis note, or other document persisted in the conversation ledger.
type Message struct {
	DocID        string `json:"doc_id"`
	DocumentType string `json:"document_type"`

	UserID         string `json:"user_id"`
	PersonaID      string `json:"persona_id"`
	ConversationID string `json:"conversation_id"`
	Branch         int    `json:"branch"`
	SequenceNo     int    `json:"sequence_no"`

	SpeakerID  string `json:"speaker_id,omitempty"`
	ListenerID string `json:"listener_id,omitempty"`

	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`

	EmotionA string `json:"emotion_a,omitempty"`
	EmotionB string `json:"emotion_b,omitempty"`
	EmotionC string `json:"emotion_c,omitempty"`
	EmotionD string `json:"emotion_d,omitempty"`

	SentimentV float64 `json:"sentiment_v"`
	SentimentA float64 `json:"sentiment_a"`
	SentimentD float64 `json:"sentiment_d"`
	Importance float64 `json:"importance"`

	// Weight is an editorial importance multiplier applied during ranking.
	Weight float64 `json:"weight"`

	ReferenceID    string `json:"reference_id,omitempty"`
	InferenceModel string `json:"inference_model,omitempty"`
	Metadata       string `json:"metadata,omitempty"`
	Status         int    `json:"status"`
}

// Speaker resolves the display identity for a message: the user id for user
// turns, the persona id for assistant turns.
func (m Message) Speaker() string {
	if m.Role == RoleUser {
		return m.UserID
	}
	return m.PersonaID
}

// Emotions returns the non-empty emotion tags in slot order.
func (m Message) Emotions() []string {
	var out []string
	for _, e := range []string{m.EmotionA, m.EmotionB, m.EmotionC, m.EmotionD} {
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}

var (
	idMu      sync.Mutex
	idEntropy = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NewDocID returns a globally unique document id.
func NewDocID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), idEntropy).String()
}

// NewMessage builds a message with defaults filled in: a fresh doc id,
// conversation document type, weight 1.0, and speaker/listener resolved
// from the role.
func NewMessage(conversationID string, sequenceNo int, role, content string) Message {
	m := Message{
		DocID:          NewDocID(),
		DocumentType:   DocConversation,
		UserID:         RoleUser,
		PersonaID:      RoleAssistant,
		ConversationID: conversationID,
		SequenceNo:     sequenceNo,
		ListenerID:     ListenerAll,
		Role:           role,
		Content:        content,
		Timestamp:      time.Now().Unix(),
		Weight:         1.0,
		InferenceModel: "default",
	}
	m.SpeakerID = m.Speaker()
	if m.ReferenceID == "" {
		m.ReferenceID = conversationID
	}
	return m
}
