package cmd_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bavix/nestbridge/cmd"
	"github.com/bavix/nestbridge/internal/auth"
)

const secret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	raw := "project_id: p1\n" +
		"oauth:\n  client_id: id\n  client_secret: s\n" +
		"storage:\n  path: " + filepath.Join(dir, "state.yaml") + "\n" +
		"http:\n  jwt_secret: " + secret + "\n"

	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	root := cmd.NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(append(args, "--log-level", "error"))

	err := root.ExecuteContext(context.Background())

	return out.String(), err
}

func TestTokenCommand(t *testing.T) {
	path := writeConfig(t)

	out, err := execute(t, "token", "-c", path, "--role", "admin", "--subject", "ops")
	require.NoError(t, err)

	v, err := auth.NewVerifier(secret)
	require.NoError(t, err)

	claims, err := v.Validate(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.True(t, claims.HasPermission(auth.PermissionManageConfig))
}

func TestCheckWithoutCredential(t *testing.T) {
	path := writeConfig(t)

	out, err := execute(t, "check", "-c", path, "--offline")
	require.Error(t, err)
	assert.Contains(t, out, "project p1")
	assert.Contains(t, out, "run login")
}

func TestLoginRequiresCode(t *testing.T) {
	path := writeConfig(t)

	out, err := execute(t, "login", "-c", path, "--code", "   ")
	require.Error(t, err)
	assert.Contains(t, out, "client_id=id")
}
