package persona

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePersona(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "aria.json"), []byte(body), 0o644))
	return dir
}

func TestLoadDefaults(t *testing.T) {
	dir := writePersona(t, `{"name": "Aria", "full_name": "Aria Vale"}`)

	p, err := Load(dir, "aria")
	require.NoError(t, err)
	assert.Equal(t, "aria", p.PersonaID)
	assert.Equal(t, "0.1a", p.PersonaVersion)
	assert.Equal(t, defaultSystemHeader, p.SystemHeader)
	assert.True(t, p.IncludeDate)
	assert.Equal(t, "default", p.CurrentOutfit)
	assert.Empty(t, p.Attire())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(t.TempDir(), "nobody")
	require.Error(t, err)
}

func TestDescription(t *testing.T) {
	dir := writePersona(t, `{
		"persona_id": "aria",
		"full_name": "Aria Vale",
		"attributes": {"age": "30", "height": "tall"},
		"features": {"voice": "low and even"},
		"wardrobe": {"default": {"jacket": "weathered canvas"}}
	}`)
	p, err := Load(dir, "aria")
	require.NoError(t, err)

	got := p.Description("curious")
	assert.Contains(t, got, "<Aria Vale>\n")
	assert.Contains(t, got, "</Aria Vale>")
	assert.Contains(t, got, "<age>30</age>")
	// attribute tags truncate to three characters
	assert.Contains(t, got, "<hei>tall</hei>")
	assert.Contains(t, got, "<aria's jacket>\nweathered canvas\n</jacket>")
	assert.Contains(t, got, "<voice>\nlow and even\n</voice>")
	assert.Contains(t, got, "<mood>\ncurious\n</mood>")
}

func TestSystemPrompt(t *testing.T) {
	dir := writePersona(t, `{
		"persona_id": "aria",
		"full_name": "Aria Vale",
		"default_location": "The Lighthouse"
	}`)
	p, err := Load(dir, "aria")
	require.NoError(t, err)

	got := p.SystemPrompt("", "", "sam")
	assert.Contains(t, got, "Aria Vale v0.1a - Active Memory Enabled. The Lighthouse.")
	assert.Contains(t, got, defaultSystemHeader)
	assert.Contains(t, got, "You are talking to sam.")
	assert.Contains(t, got, "Don't speak for sam.")

	got = p.SystemPrompt("", "A Rooftop", "")
	assert.Contains(t, got, "A Rooftop")
	assert.NotContains(t, got, "You are talking to")
}

func TestGetWakeup(t *testing.T) {
	dir := writePersona(t, `{"name": "Aria", "wakeup": ["first line", "second line"]}`)
	p, err := Load(dir, "aria")
	require.NoError(t, err)

	p.SetRand(rand.New(rand.NewSource(1)))
	got := p.GetWakeup()
	assert.Contains(t, []string{"first line", "second line"}, got)

	p.Wakeup = nil
	assert.Equal(t, "Aria is awake.", p.GetWakeup())
}

func TestThoughtsAppendsCurrentTime(t *testing.T) {
	dir := writePersona(t, `{"base_thoughts": ["the sea is quiet"]}`)
	p, err := Load(dir, "aria")
	require.NoError(t, err)

	got := p.Thoughts()
	require.Len(t, got, 2)
	assert.Equal(t, "the sea is quiet", got[0])
	assert.Contains(t, got[1], "Current Time [")

	p.IncludeDate = false
	assert.Equal(t, []string{"the sea is quiet"}, p.Thoughts())
}
