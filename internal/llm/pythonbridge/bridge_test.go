package pythonbridge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freemell/merlintg/internal/llm"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nlu.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func TestGenerateDecodesScriptOutput(t *testing.T) {
	script := writeScript(t, "cat >/dev/null\necho '{\"action\":\"balance\",\"params\":{},\"response\":\"Checking\"}'\n")
	client, err := NewClient("sh", script, "")
	require.NoError(t, err)

	resp, err := client.Generate(context.Background(), llm.Request{Text: "balance?"})
	require.NoError(t, err)
	assert.Equal(t, "balance", resp.Action)
	assert.Equal(t, "Checking", resp.Reply)
}

func TestGenerateMalformedOutput(t *testing.T) {
	script := writeScript(t, "cat >/dev/null\necho 'not json'\n")
	client, err := NewClient("sh", script, "")
	require.NoError(t, err)

	resp, err := client.Generate(context.Background(), llm.Request{Text: "hi"})
	assert.True(t, errors.Is(err, llm.ErrMalformed))
	assert.Equal(t, "not json", resp.Raw)
}

func TestGenerateScriptFailure(t *testing.T) {
	script := writeScript(t, "echo broken >&2\nexit 3\n")
	client, err := NewClient("sh", script, "")
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), llm.Request{Text: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestResolveScriptPath(t *testing.T) {
	assert.Equal(t, "", ResolveScriptPath("/base", ""))
	assert.Equal(t, "/abs/x.py", ResolveScriptPath("/base", "/abs/x.py"))
	assert.Equal(t, filepath.Join("/base", "x.py"), ResolveScriptPath("/base", "x.py"))
	assert.Equal(t, "x.py", ResolveScriptPath("", "x.py"))
}
