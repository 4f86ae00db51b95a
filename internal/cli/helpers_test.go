package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

// fastConfig keeps every flow timing and media clip short and points
// the database and prefs into the test's temp dir.
const fastConfig = `db: %[1]s/utt.db
prefs: %[1]s/prefs.toml
queue:
  base_delay: 1s
  multiplier: 2
  max_attempts: 3
media:
  cinematic: 50ms
  gift_open: 80ms
  confetti: 40ms
timings:
  cinematic_load: 400ms
  cinematic_safety: 50ms
  crossfade: 30ms
  blur_ramp: 40ms
  crossfade_slack: 100ms
  gift_ui_delay: 5ms
  gift_ui_fade_in: 10ms
  confetti_offset: 20ms
  confetti_fade_out: 10ms
  gift_ended_ceiling: 500ms
  reward_hard_timeout: 200ms
  reward_open_budget: 2s
  enrich_poll: 20ms
  enrich_join: 10ms
  return_home: 1s
  fade_to_black: 10ms
  fade_from_black: 10ms
  loader_minimum: 10ms
  hero_ui_delay: 5ms
`

// testRoot returns root options over a fresh config in a temp dir.
func testRoot(t *testing.T, format string) *RootOptions {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(fastConfig, dir)), 0o644))
	return &RootOptions{Format: format, Config: path}
}

// execute runs cmd with args and returns what it printed.
func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}
