package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diagram-collab-server/auth"
)

func TestRun_MintsVerifiableToken(t *testing.T) {
	var out bytes.Buffer
	err := run([]string{"--sub", "u1", "--username", "alice", "--email", "alice@example.com"}, "s3cret", &out)
	require.NoError(t, err)

	user, err := auth.NewVerifier("s3cret").Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, "alice@example.com", user.Email)
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		secret string
	}{
		{name: "no secret", args: []string{"--sub", "u1", "--username", "alice"}},
		{name: "no subject", args: []string{"--username", "alice"}, secret: "s"},
		{name: "bad ttl", args: []string{"--sub", "u1", "--username", "alice", "--ttl", "-1h"}, secret: "s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			assert.Error(t, run(tt.args, tt.secret, &out))
			assert.Empty(t, out.String())
		})
	}
}
