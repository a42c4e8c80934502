package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	cmd, ok := Parse("  /switch  backend api ")
	assert.True(t, ok)
	assert.Equal(t, Switch, cmd.Name)
	assert.Equal(t, []string{"backend", "api"}, cmd.Args)
	assert.Equal(t, "backend api", cmd.Arg())

	cmd, ok = Parse("/WS web")
	assert.True(t, ok)
	assert.Equal(t, Switch, cmd.Name)

	cmd, ok = Parse("/queue")
	assert.True(t, ok)
	assert.Equal(t, Status, cmd.Name)
	assert.Empty(t, cmd.Args)
}

func TestParseRejects(t *testing.T) {
	for _, in := range []string{"", "hello", "/", "/ ", "/deploy now", "yes", "please /stop"} {
		_, ok := Parse(in)
		assert.False(t, ok, in)
	}
}
