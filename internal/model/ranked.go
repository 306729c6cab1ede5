package model

import "time"

// DateFormat is the display format for memory timestamps.
const DateFormat = "2006-01-02 15:04:05"

// RankedResult is a message plus the fields derived during a retrieval
// pass. It is computed per query and never persisted.
type RankedResult struct {
	Message

	// Distance is the L2 distance between the query embedding and the
	// message's stored embedding. The sentinel value 1000 marks
	// conversation-history rows merged in without re-ranking.
	Distance float64 `json:"distance"`

	// Hits counts the lexical sub-queries that matched this document.
	Hits int `json:"hits"`

	// Score is the final combined relevance score.
	Score float64 `json:"score"`

	// Speaker and Date are resolved for display.
	Speaker string `json:"speaker"`
	Date    string `json:"date"`
}

// NewRankedResult wraps a message with resolved display fields.
func NewRankedResult(m Message) RankedResult {
	return RankedResult{
		Message: m,
		Speaker: m.Speaker(),
		Date:    time.Unix(m.Timestamp, 0).Format(DateFormat),
	}
}
