package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/scribe/internal/domain"
	"github.com/joss/scribe/internal/testutil"
)

func TestParseCohesion(t *testing.T) {
	assert.Equal(t, [][]string{{"n1", "n2"}, {"n4", "n5"}}, parseCohesion("n1, n2;n4,n5"))
	assert.Equal(t, [][]string{{"a"}}, parseCohesion(";a;;"))
	assert.Nil(t, parseCohesion(""))
}

func TestReadPlanInput(t *testing.T) {
	path := testutil.WriteFile(t, t.TempDir(), "outline.yaml", `
topic:
  subject: Physics
  topic: Thermodynamics
outline:
  - id: intro
    title: Introduction
    points: [Heat, Work]
  - id: laws
    title: The Laws
`)
	in, err := readPlanInput(path)
	require.NoError(t, err)
	assert.Equal(t, "Thermodynamics", in.Topic.Topic)
	require.Len(t, in.Outline, 2)
	assert.Equal(t, []string{"Heat", "Work"}, in.Outline[0].Points)
	assert.Nil(t, in.Estimate)

	_, err = readPlanInput(testutil.WriteFile(t, t.TempDir(), "bad.yaml", "outline: [:"))
	assert.Error(t, err)
}

func TestDescribe(t *testing.T) {
	err := describe(&domain.AssemblyError{Issues: []domain.Issue{
		{Kind: domain.IssueEmptyUnit, Order: 2, Message: "unit 2 has no content"},
		{Kind: domain.IssueEmptyContent, Message: "assembled content is empty"},
	}})
	assert.Equal(t, "assembly validation failed\n"+
		"  - [empty_unit] unit 2: unit 2 has no content\n"+
		"  - [empty_content] assembled content is empty", err.Error())

	plain := domain.ErrNoSubtasks
	assert.Same(t, plain, describe(plain))
}

func TestVersion(t *testing.T) {
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	// version needs no environment beyond the defaults.
	t.Setenv("SCRIBE_HOME", t.TempDir())
	require.NoError(t, root.Execute())
	assert.Equal(t, "scribe version "+version+"\n", out.String())
}

func TestCommandTree(t *testing.T) {
	root := rootCmd()
	for _, path := range [][]string{
		{"plan", "create"}, {"plan", "propose"}, {"plan", "refine"}, {"plan", "accept"},
		{"doc", "split"}, {"doc", "advance"}, {"doc", "run"}, {"doc", "cancel"}, {"doc", "final"},
		{"events"}, {"watch"}, {"serve"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}
