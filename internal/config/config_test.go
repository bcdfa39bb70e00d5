package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/conorfennell/knolsched/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "knolsched.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	require.NoError(t, Default().Validate())

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLayering(t *testing.T) {
	path := writeFile(t, `
db:
  path: from-file.db
http:
  addr: localhost:9000
policy:
  new_cards_per_day: 5
  learning_steps: [30s, 5m, 1h]
scheduler:
  fuzz_factor: 0.1
queue:
  learn_ahead: 10m
`)
	t.Setenv("KNOLSCHED_HTTP__ADDR", "localhost:9100")
	t.Setenv("KNOLSCHED_POLICY__MAX_REVIEWS_PER_DAY", "50")

	flags := Flags("test")
	require.NoError(t, flags.Parse([]string{"--config", path, "--http.addr", "localhost:9200", "--scheduler.disable_fuzz"}))

	cfg, err := Load(flags)
	require.NoError(t, err)

	assert.Equal(t, "from-file.db", cfg.DB.Path)
	assert.Equal(t, "localhost:9200", cfg.HTTP.Addr, "flags win over env and file")
	assert.Equal(t, 5, cfg.Policy.NewCardsPerDay)
	assert.Equal(t, 50, cfg.Policy.MaxReviewsPerDay)
	assert.Equal(t, []time.Duration{30 * time.Second, 5 * time.Minute, time.Hour}, cfg.Policy.LearningSteps)
	assert.InDelta(t, 0.1, cfg.Scheduler.FuzzFactor, 1e-9)
	assert.True(t, cfg.Scheduler.DisableFuzz)
	assert.Equal(t, 10*time.Minute, cfg.Queue.LearnAhead)

	// Untouched keys keep their defaults.
	assert.Equal(t, domain.DefaultPolicy().InitialEase, cfg.Policy.InitialEase)
	assert.Equal(t, 4, cfg.Queue.DayStartHour)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "log:\n  level: debug\n")
	t.Setenv("KNOLSCHED_LOG__LEVEL", "warn")

	flags := Flags("test")
	require.NoError(t, flags.Parse([]string{"-c", path}))
	cfg, err := Load(flags)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"negative new card cap", "policy:\n  new_cards_per_day: -1\n"},
		{"unknown log level", "log:\n  level: loud\n"},
		{"ease floor below one", "scheduler:\n  ease_floor: 0.5\n"},
		{"day start out of range", "queue:\n  day_start_hour: 30\n"},
		{"zero interval modifier", "policy:\n  interval_modifier: 0\n"},
		{"reminder without cron", "reminder:\n  enabled: true\n  cron: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flags := Flags("test")
			require.NoError(t, flags.Parse([]string{"-c", writeFile(t, tt.yaml)}))
			_, err := Load(flags)
			assert.ErrorIs(t, err, domain.ErrPolicyViolation)
		})
	}
}

func TestMissingFile(t *testing.T) {
	flags := Flags("test")
	require.NoError(t, flags.Parse([]string{"-c", filepath.Join(t.TempDir(), "nope.yaml")}))
	_, err := Load(flags)
	assert.Error(t, err)
}
