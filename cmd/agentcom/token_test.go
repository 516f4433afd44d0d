package main

import (
	"testing"

	"github.com/agentcom/agentcom/pkg/auth"
	"github.com/agentcom/agentcom/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueTokenBootstrapsAuth(t *testing.T) {
	dir := t.TempDir()

	token, err := issueToken(dir, "agent-7")
	require.NoError(t, err)
	require.Len(t, token, 64)

	// A hub starting on the same data dir must resolve the token.
	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	defer store.Close()

	authStore, err := auth.NewStore(store)
	require.NoError(t, err)
	agentID, err := authStore.Resolve(token)
	require.NoError(t, err)
	assert.Equal(t, "agent-7", agentID)
}

func TestRevokeTokenRemoves(t *testing.T) {
	dir := t.TempDir()

	token, err := issueToken(dir, "agent-7")
	require.NoError(t, err)
	require.NoError(t, revokeToken(dir, token))

	tokens, err := listTokens(dir)
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestListTokensByAgent(t *testing.T) {
	dir := t.TempDir()

	_, err := issueToken(dir, "agent-a")
	require.NoError(t, err)
	_, err = issueToken(dir, "agent-b")
	require.NoError(t, err)

	tokens, err := listTokens(dir)
	require.NoError(t, err)
	assert.Len(t, tokens, 2)
}
