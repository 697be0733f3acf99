package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/flowline/pkg/api"
)

const reviewDefinition = `
key: review
nodes:
  - {id: start, type: startEvent}
  - {id: check, type: userTask}
  - {id: end, type: endEvent}
flows:
  - {id: f1, source: start, target: check}
  - {id: f2, source: check, target: end}
`

type cli struct {
	t      *testing.T
	config string
}

// newCLI writes a sqlite-backed configuration with SQL history into a
// temporary directory.
func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	def := filepath.Join(dir, "review.yaml")
	require.NoError(t, os.WriteFile(def, []byte(reviewDefinition), 0o600))

	cfg := "database:\n" +
		"  driver: sqlite\n" +
		"  dsn: " + filepath.Join(dir, "flowline.db") + "\n" +
		"history:\n" +
		"  backend: sql\n" +
		"logging:\n" +
		"  level: error\n" +
		"definitions:\n" +
		"  - " + def + "\n"
	path := filepath.Join(dir, "flowline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return &cli{t: t, config: path}
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", c.config}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (c *cli) mustJSON(v any, args ...string) {
	c.t.Helper()
	out, err := c.run(append(args, "--json")...)
	require.NoError(c.t, err, out)
	require.NoError(c.t, json.Unmarshal([]byte(out), v), out)
}

func TestDefinitionsValidate(t *testing.T) {
	c := newCLI(t)
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`
key: broken
nodes:
  - {id: start, type: startEvent}
flows:
  - {id: f1, source: start, target: nowhere}
`), 0o600))

	out, err := c.run("definitions", "validate", filepath.Join(filepath.Dir(c.config), "review.yaml"))
	require.NoError(t, err)
	assert.Contains(t, out, "review")
	assert.Contains(t, out, "ok")

	out, err = c.run("definitions", "validate", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1 definitions invalid")
	assert.Contains(t, out, "broken")
}

func TestInstanceLifecycle(t *testing.T) {
	c := newCLI(t)

	var pi api.Execution
	c.mustJSON(&pi, "instances", "start", "review", "--var", "amount=42")
	require.NotEmpty(t, pi.ID)
	assert.Equal(t, "check", pi.CurrentNodeID)
	assert.True(t, pi.IsActive)

	var listed []api.Execution
	c.mustJSON(&listed, "instances", "list", "--key", "review")
	require.Len(t, listed, 1)
	assert.Equal(t, pi.ID, listed[0].ID)

	var vars map[string]any
	c.mustJSON(&vars, "instances", "variables", pi.ID)
	assert.EqualValues(t, 42, vars["amount"])

	out, err := c.run("instances", "trigger", pi.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "triggered "+pi.ID)

	listed = nil
	c.mustJSON(&listed, "instances", "list", "--key", "review")
	assert.Empty(t, listed)

	var events []api.HistoryEvent
	c.mustJSON(&events, "history", pi.ID)
	require.NotEmpty(t, events)
	assert.Equal(t, api.EventProcessInstanceStarted, events[0].Type)
	assert.Equal(t, api.EventProcessInstanceEnded, events[len(events)-1].Type)
}

func TestDeleteBatch(t *testing.T) {
	c := newCLI(t)
	for i := 0; i < 2; i++ {
		_, err := c.run("instances", "start", "review")
		require.NoError(t, err)
	}

	var b api.Batch
	c.mustJSON(&b, "instances", "delete-batch", "--key", "review", "--size", "1", "--mode", "sequential")
	assert.Equal(t, 2, b.TotalItems)
	assert.Equal(t, api.BatchModeSequential, b.Mode)

	out, err := c.run("jobs", "execute")
	require.NoError(t, err)
	assert.Equal(t, "executed 2 jobs\n", out)

	var batches []api.Batch
	c.mustJSON(&batches, "batches", "list", "--status", string(api.BatchStatusCompleted))
	require.Len(t, batches, 1)
	assert.Equal(t, b.ID, batches[0].ID)

	var parts []api.BatchPart
	c.mustJSON(&parts, "batches", "parts", b.ID)
	assert.Len(t, parts, 2)

	var listed []api.Execution
	c.mustJSON(&listed, "instances", "list")
	assert.Empty(t, listed)

	out, err = c.run("batches", "cancel", b.ID)
	require.Error(t, err, out)
}

func TestBatchFlagsValidation(t *testing.T) {
	c := newCLI(t)
	_, err := c.run("instances", "delete-batch")
	require.ErrorContains(t, err, "--key or --definition")

	_, err = c.run("instances", "migrate", "--key", "review", "--mode", "sideways", "--to", "review:2")
	require.ErrorContains(t, err, "unknown batch mode")

	_, err = c.run("instances", "migrate", "--key", "review")
	require.ErrorContains(t, err, "--to is required")
}

func TestPrinterTable(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf, false)
	require.NoError(t, p.table(nil, []string{"ID", "NAME"}, [][]string{{"1", "first"}, {"22", "second"}}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "ID  NAME", strings.TrimSpace(lines[0]))
	assert.Equal(t, "22  second", lines[2])
}
