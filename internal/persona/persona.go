// Package persona loads persona definitions from JSON files and renders
// the prompts derived from them: the system prompt, wakeup lines,
// ambient thoughts, and the recall prompt prefix.
package persona

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/evoke-ai/mnemo/internal/model"
)

// Aspect is a named facet of a persona, used by pipelines that write in
// a particular voice.
type Aspect struct {
	Name           string `json:"name"`
	Title          string `json:"title,omitempty"`
	Description    string `json:"description,omitempty"`
	Location       string `json:"location,omitempty"`
	Appearance     string `json:"appearance,omitempty"`
	VoiceStyle     string `json:"voice_style,omitempty"`
	CoreDrive      string `json:"core_drive,omitempty"`
	EmotionalState string `json:"emotional_state,omitempty"`
	Relationship   string `json:"relationship,omitempty"`
	PrimaryIntent  string `json:"primary_intent,omitempty"`
}

const defaultSystemHeader = "Please follow directions, being precise and methodical, " +
	"utilizing Chain of Thought, Self-RAG, and Semantic Keywords."

// Persona is a character definition loaded from a JSON file.
type Persona struct {
	PersonaID       string                       `json:"persona_id"`
	PersonaVersion  string                       `json:"persona_version"`
	Name            string                       `json:"name"`
	FullName        string                       `json:"full_name"`
	Notes           string                       `json:"notes"`
	Aspects         map[string]Aspect            `json:"aspects"`
	Attributes      map[string]string            `json:"attributes"`
	Features        map[string]string            `json:"features"`
	Wakeup          []string                     `json:"wakeup"`
	BaseThoughts    []string                     `json:"base_thoughts"`
	DefaultLocation string                       `json:"default_location"`
	Wardrobe        map[string]map[string]string `json:"wardrobe"`
	CurrentOutfit   string                       `json:"current_outfit"`
	SystemHeader    string                       `json:"system_header"`
	IncludeDate     bool                         `json:"include_date"`

	// rng drives wakeup-line selection; tests inject a seeded source.
	rng *rand.Rand
}

// Load reads <dir>/<personaID>.json.
func Load(dir, personaID string) (*Persona, error) {
	path := filepath.Join(dir, personaID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load persona %s: %w", personaID, err)
	}
	p := &Persona{
		PersonaVersion: "0.1a",
		SystemHeader:   defaultSystemHeader,
		IncludeDate:    true,
		CurrentOutfit:  "default",
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse persona %s: %w", personaID, err)
	}
	if p.PersonaID == "" {
		p.PersonaID = personaID
	}
	if p.Wardrobe == nil {
		p.Wardrobe = map[string]map[string]string{"default": {}}
	}
	p.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	return p, nil
}

// SetRand replaces the wakeup random source.
func (p *Persona) SetRand(r *rand.Rand) { p.rng = r }

// Attire returns the currently worn outfit.
func (p *Persona) Attire() map[string]string {
	if outfit, ok := p.Wardrobe[p.CurrentOutfit]; ok {
		return outfit
	}
	return map[string]string{}
}

// Description renders the persona's attribute/attire/feature block.
func (p *Persona) Description(mood string) string {
	var b strings.Builder

	b.WriteString("<attributes>\n")
	for _, k := range sortedKeys(p.Attributes) {
		tag := k
		if len(tag) > 3 {
			tag = tag[:3]
		}
		fmt.Fprintf(&b, "<%s>%s</%s>\n", tag, p.Attributes[k], tag)
	}
	b.WriteString("</attributes>\n")

	attire := p.Attire()
	for _, k := range sortedKeys(attire) {
		fmt.Fprintf(&b, "<%s's %s>\n%s\n</%s>\n", p.PersonaID, k, attire[k], k)
	}

	for _, k := range sortedKeys(p.Features) {
		fmt.Fprintf(&b, "<%s>\n%s\n</%s>\n", k, p.Features[k], k)
	}
	if mood != "" {
		fmt.Fprintf(&b, "<mood>\n%s\n</mood>\n", mood)
	}

	return fmt.Sprintf("<%s>\n%s</%s>", p.FullName, b.String(), p.FullName)
}

// SystemPrompt renders the full system turn for a chat session.
func (p *Persona) SystemPrompt(mood, location, userID string) string {
	if location == "" {
		location = p.DefaultLocation
	}
	parts := []string{
		fmt.Sprintf("%s v%s - Active Memory Enabled. %s. This is your cognitive persona:",
			p.FullName, p.PersonaVersion, location),
		p.Description(mood),
		"",
	}
	if p.SystemHeader != "" {
		parts = append(parts, p.SystemHeader)
	}
	if userID != "" {
		parts = append(parts, fmt.Sprintf(
			"You are talking to %s. Stay in character, and use your memories to help you. Don't speak for %s.",
			userID, userID))
	}
	return strings.Join(parts, "\n\n")
}

// GetWakeup returns one of the persona's wakeup lines at random.
func (p *Persona) GetWakeup() string {
	if len(p.Wakeup) == 0 {
		return fmt.Sprintf("%s is awake.", p.Name)
	}
	return p.Wakeup[p.rng.Intn(len(p.Wakeup))]
}

// Thoughts returns the persona's ambient thoughts, with the current
// time appended when dated thoughts are enabled.
func (p *Persona) Thoughts() []string {
	thoughts := append([]string(nil), p.BaseThoughts...)
	if p.IncludeDate {
		now := time.Now()
		thoughts = append(thoughts, fmt.Sprintf("Current Time [%s (%d)]",
			now.Format(model.DateFormat), now.Unix()))
	}
	return thoughts
}

// PromptPrefix is the preamble placed ahead of ranked memory recall.
func (p *Persona) PromptPrefix() string {
	return fmt.Sprintf("%s, this is your conscious mind. Your thoughts have brought up new memories:\n\n", p.PersonaID)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
