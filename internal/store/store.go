// Package store provides the append-only conversation ledger: one JSONL
// file per conversation id, each line a full self-describing message
// record. The ledger is the source of truth; the search index is always
// reconstructible from it.
package store

import "errors"

// ErrConversationNotFound is returned by update/delete operations against
// a conversation that has no ledger file. Inserts create the file instead.
var ErrConversationNotFound = errors.New("conversation not found")
