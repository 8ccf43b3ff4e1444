package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const reviewYAML = `
name: review
version: "2"
initial_state: draft
states:
  - name: draft
    tasks:
      - name: write
        capability: builtin.passthrough
      - name: check
        capability: builtin.passthrough
        depends_on: [write]
  - name: publish
    tasks:
      - name: release
        capability: builtin.passthrough
transitions:
  - from: draft
    condition: transition_conditions.approved
    to: publish
  - from: draft
    condition: transition_conditions.always
    to: draft
`

func TestParse(t *testing.T) {
	w, err := Parse([]byte(reviewYAML))
	require.NoError(t, err)
	assert.Equal(t, "review:2", w.ID())
	assert.True(t, w.Built())
	assert.Equal(t, "draft", w.InitialState().Name)

	draft := w.State("draft")
	phases, err := draft.Phases()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"write"}, {"check"}, {"approved", "always"}}, phases)

	transitions := draft.Transitions()
	require.Len(t, transitions, 2)
	assert.Equal(t, "publish", transitions[0].Target.Name)
	assert.Equal(t, "draft", transitions[1].Target.Name)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr error
	}{
		{name: "not yaml", doc: "name: [", wantErr: ErrWorkflowImport},
		{name: "unknown dependency", doc: `
name: w
version: "1"
states:
  - name: s
    tasks:
      - name: a
        capability: x.a
        depends_on: [ghost]
`, wantErr: ErrInvalidWorkflow},
		{name: "unknown transition target", doc: `
name: w
version: "1"
states:
  - name: s
    tasks:
      - name: a
        capability: x.a
transitions:
  - from: s
    condition: c.ok
    to: nowhere
`, wantErr: ErrInvalidWorkflow},
		{name: "cycle", doc: `
name: w
version: "1"
states:
  - name: s
    tasks:
      - name: a
        capability: x.a
        depends_on: [b]
      - name: b
        capability: x.b
        depends_on: [a]
`, wantErr: ErrInvalidTasksDag},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "review.yaml")
	require.NoError(t, os.WriteFile(path, []byte(reviewYAML), 0o644))

	w, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "review", w.Name)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrWorkflowImport)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yml"), []byte(reviewYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"),
		[]byte("name: solo\nversion: \"1\"\nstates:\n  - name: only\n    tasks:\n      - name: work\n        capability: builtin.double\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	ws, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, ws, 2)
	assert.Equal(t, "solo", ws[0].Name)
	assert.Equal(t, "review", ws[1].Name)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.yaml"), []byte("states: ["), 0o644))
	_, err = LoadDir(dir)
	assert.ErrorIs(t, err, ErrWorkflowImport)
}

func TestCatalog(t *testing.T) {
	c := NewCatalog()
	v1, _, _ := design(t)
	require.NoError(t, c.Register(v1))

	v2, _, _ := design(t)
	v2.Version = "2"
	require.NoError(t, c.Register(v2))

	got, err := c.Lookup("software")
	require.NoError(t, err)
	assert.Equal(t, "2", got.Version)

	got, err = c.Lookup("software:1")
	require.NoError(t, err)
	assert.Same(t, v1, got)

	_, err = c.Lookup("software:9")
	assert.ErrorIs(t, err, ErrWorkflowImport)
	_, err = c.Lookup("other")
	assert.ErrorIs(t, err, ErrWorkflowImport)

	assert.ErrorIs(t, c.Register(v1), ErrInvalidWorkflow)
	assert.Equal(t, []string{"software:1", "software:2"}, c.IDs())
}
