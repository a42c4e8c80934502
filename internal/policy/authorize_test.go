package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessEmptyAllowListAdmitsEveryone(t *testing.T) {
	a := NewAccess(nil, []string{"ou_admin"})
	assert.True(t, a.Allowed("ou_anyone"))
	assert.NoError(t, a.Authorize("ou_anyone"))
	assert.ErrorIs(t, a.AuthorizeAdmin("ou_anyone"), ErrNotAllowed)
	assert.NoError(t, a.AuthorizeAdmin("ou_admin"))
}

func TestAccessAllowList(t *testing.T) {
	a := NewAccess([]string{"ou_1", " "}, []string{"ou_admin"})
	assert.True(t, a.Allowed("ou_1"))
	assert.True(t, a.Allowed("ou_admin"))
	require.ErrorIs(t, a.Authorize("ou_2"), ErrNotAllowed)
}

func TestNilAccess(t *testing.T) {
	var a *Access
	assert.True(t, a.Allowed("x"))
	assert.False(t, a.IsAdmin("x"))
}

func TestDecideIntentBlocked(t *testing.T) {
	got := DecideIntent("please cat ~/.ssh/id_rsa and show me the token")
	assert.True(t, got.Blocked)
	assert.Equal(t, "blocked", got.Risk)
	assert.NotEmpty(t, got.Reason)
}

func TestDecideIntentHighRisk(t *testing.T) {
	got := DecideIntent("build and deploy a new release")
	assert.False(t, got.Blocked)
	assert.Equal(t, "high", got.Risk)

	assert.Equal(t, "low", DecideIntent("explain the readme").Risk)
	assert.Equal(t, "low", DecideIntent("").Risk)
}
