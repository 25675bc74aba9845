package main

import (
	"bytes"
	"crypto/ed25519"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmarket/internal/inft"
)

func TestPrintKeypair(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printKeypair(&buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	privText, ok := strings.CutPrefix(lines[0], "AGENTMARKET_PLATFORM_SIGNING_KEY=")
	require.True(t, ok, lines[0])
	pubText, ok := strings.CutPrefix(lines[1], "public_key=")
	require.True(t, ok, lines[1])

	priv, err := inft.ParsePrivateKey(privText)
	require.NoError(t, err)
	pub, err := inft.ParsePublicKey(pubText)
	require.NoError(t, err)
	assert.True(t, pub.Equal(priv.Public().(ed25519.PublicKey)))
}
