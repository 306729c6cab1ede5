package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/evoke-ai/mnemo/internal/model"
)

// Ledger stores conversations as JSONL files under a single directory.
// It does not lock; callers must serialize writes per conversation id.
type Ledger struct {
	dir string
}

// NewLedger opens or creates the conversations directory.
func NewLedger(dir string) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversations dir: %w", err)
	}
	return &Ledger{dir: dir}, nil
}

// Dir returns the ledger's root directory.
func (l *Ledger) Dir() string { return l.dir }

func (l *Ledger) path(conversationID string) string {
	return filepath.Join(l.dir, conversationID+".jsonl")
}

// Exists reports whether a conversation has a ledger file.
func (l *Ledger) Exists(conversationID string) bool {
	_, err := os.Stat(l.path(conversationID))
	return err == nil
}

// Append writes a message to the end of its conversation's ledger,
// creating the file on first write.
func (l *Ledger) Append(m model.Message) error {
	f, err := os.OpenFile(l.path(m.ConversationID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger %s: %w", m.ConversationID, err)
	}
	defer f.Close()

	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", m.DocID, err)
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append to %s: %w", m.ConversationID, err)
	}
	return nil
}

// ReadConversation loads every message logged for a conversation, in file
// order. A missing file is not an error: it returns an empty slice, the
// same as a conversation that has not started yet. Corrupt lines are fatal
// here, unlike ReadAll, because a damaged single conversation should be
// surfaced rather than silently truncated.
func (l *Ledger) ReadConversation(conversationID string) ([]model.Message, error) {
	f, err := os.Open(l.path(conversationID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open ledger %s: %w", conversationID, err)
	}
	defer f.Close()

	var messages []model.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m model.Message
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("decode %s:%d: %w", conversationID, lineno, err)
		}
		// The file name wins if the conversation was renamed on disk.
		m.ConversationID = conversationID
		messages = append(messages, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", conversationID, err)
	}
	return messages, nil
}

// ListConversations returns the ids of every conversation on disk, sorted.
func (l *Ledger) ListConversations() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read conversations dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".jsonl"))
	}
	sort.Strings(ids)
	return ids, nil
}

// ReadAll loads every message in the store. Corrupt lines are logged and
// skipped so one damaged file cannot block a full rebuild.
func (l *Ledger) ReadAll() ([]model.Message, error) {
	ids, err := l.ListConversations()
	if err != nil {
		return nil, err
	}
	var all []model.Message
	for _, id := range ids {
		messages, err := l.ReadConversation(id)
		if err != nil {
			log.Warn("skipping unreadable conversation", "conversation_id", id, "error", err)
			continue
		}
		all = append(all, messages...)
	}
	return all, nil
}

// rewrite replaces a conversation's ledger with the given messages.
func (l *Ledger) rewrite(conversationID string, messages []model.Message) error {
	tmp := l.path(conversationID) + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	w := bufio.NewWriter(f)
	for _, m := range messages {
		b, err := json.Marshal(m)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("marshal message %s: %w", m.DocID, err)
		}
		if _, err := w.Write(append(b, '\n')); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("write %s: %w", tmp, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, l.path(conversationID))
}

// UpdateDocument rewrites a single record in place via a read-all, apply,
// rewrite-all pass. The apply function receives the matching message and
// returns its replacement.
func (l *Ledger) UpdateDocument(conversationID, docID string, apply func(model.Message) model.Message) error {
	if !l.Exists(conversationID) {
		return fmt.Errorf("update %s: %w", conversationID, ErrConversationNotFound)
	}
	messages, err := l.ReadConversation(conversationID)
	if err != nil {
		return err
	}
	for i, m := range messages {
		if m.DocID == docID {
			messages[i] = apply(m)
		}
	}
	return l.rewrite(conversationID, messages)
}

// DeleteDocument removes a single record from a conversation's ledger.
func (l *Ledger) DeleteDocument(conversationID, docID string) error {
	if !l.Exists(conversationID) {
		return fmt.Errorf("delete document %s: %w", conversationID, ErrConversationNotFound)
	}
	messages, err := l.ReadConversation(conversationID)
	if err != nil {
		return err
	}
	kept := messages[:0]
	for _, m := range messages {
		if m.DocID != docID {
			kept = append(kept, m)
		}
	}
	return l.rewrite(conversationID, kept)
}

// DeleteConversation removes an entire conversation ledger.
func (l *Ledger) DeleteConversation(conversationID string) error {
	if !l.Exists(conversationID) {
		return fmt.Errorf("delete %s: %w", conversationID, ErrConversationNotFound)
	}
	return os.Remove(l.path(conversationID))
}
