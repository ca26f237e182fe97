package orchestrator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadProfileReadsFilesAndSkills(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
		return p
	}
	identity := write("IDENTITY.md", "I am Memo.")
	soul := write("SOUL.md", "Calm.")
	write("skills/weather.yaml", "description: Check the weather\ncontent: Use the weather API.\n")
	write("skills/brew.yml", "name: brew\ndescription: Brew tea\ncontent: Steep for three minutes.\n")
	write("skills/notes.txt", "ignored")

	p, err := LoadProfile(ProfileFiles{
		Identity:      identity,
		Soul:          soul,
		SkillsDir:     filepath.Join(dir, "skills"),
		EnabledSkills: []string{"brew"},
	})
	require.NoError(t, err)
	require.Equal(t, "I am Memo.", p.Identity)
	require.Empty(t, p.Tools)
	require.Len(t, p.Skills, 2)
	require.Equal(t, "brew", p.Skills[0].Name)
	require.Equal(t, "weather", p.Skills[1].Name)

	system, err := p.BuildSystem(SystemParams{Now: time.Now(), ContextHorizon: time.Hour})
	require.NoError(t, err)
	require.Contains(t, system, "Steep for three minutes.")
	require.NotContains(t, system, "Use the weather API.")
}

func TestLoadProfileErrors(t *testing.T) {
	_, err := LoadProfile(ProfileFiles{Identity: filepath.Join(t.TempDir(), "missing.md")})
	require.Error(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("name: x\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte("name: x\n"), 0o600))
	_, err = LoadProfile(ProfileFiles{SkillsDir: dir})
	require.Error(t, err)
}
