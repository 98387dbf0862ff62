package repoprep

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsExistingWorkingTree(t *testing.T) {
	dir := t.TempDir()
	require.False(t, isExistingWorkingTree(dir))

	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0755))
	require.True(t, isExistingWorkingTree(dir))
}

func TestGitEnvWithTokenEmptyTokenIsNoop(t *testing.T) {
	env, cleanup, err := gitEnvWithToken("")
	require.NoError(t, err)
	defer cleanup()

	require.Equal(t, os.Environ(), env)
}

func TestGitEnvWithTokenWritesExecutableAskpassScript(t *testing.T) {
	env, cleanup, err := gitEnvWithToken("shhh-secret")
	require.NoError(t, err)
	defer cleanup()

	var askpassPath string
	for _, kv := range env {
		if after, ok := strings.CutPrefix(kv, "GIT_ASKPASS="); ok {
			askpassPath = after
		}
	}
	require.NotEmpty(t, askpassPath, "expected GIT_ASKPASS to be set")

	info, err := os.Stat(askpassPath)
	require.NoError(t, err)
	require.NotZero(t, info.Mode()&0100, "askpass script must be executable")

	// git invokes the script as `$GIT_ASKPASS "<prompt>"`; the script must
	// ignore the prompt and print the token from its environment.
	cmd := exec.Command(askpassPath, "Password for 'https://x-access-token@github.com': ")
	cmd.Env = append(os.Environ(), "GIT_TOKEN=shhh-secret")
	var out bytes.Buffer
	cmd.Stdout = &out
	require.NoError(t, cmd.Run())
	require.Equal(t, "shhh-secret\n", out.String())

	cleanup()
	_, err = os.Stat(askpassPath)
	require.True(t, os.IsNotExist(err), "cleanup must remove the askpass script")
}

// requireGit skips the test when no git binary is on PATH, so this suite
// stays runnable in a minimal sandbox.
func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "git %v: %s", args, out)
}

// TestPrepareFetchAndResetToExistingWorkingTree exercises the
// already-cloned fast-forward path end to end against a local origin, with
// no token involved, so it never touches the network.
func TestPrepareFetchAndResetToExistingWorkingTree(t *testing.T) {
	requireGit(t)

	origin := t.TempDir()
	runGit(t, origin, "init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(origin, "f.txt"), []byte("one"), 0644))
	runGit(t, origin, "add", "f.txt")
	runGit(t, origin, "commit", "-m", "first")

	working := t.TempDir()
	cloneCmd := exec.Command("git", "clone", origin, working)
	out, err := cloneCmd.CombinedOutput()
	require.NoErrorf(t, err, "clone setup failed: %s", out)

	require.NoError(t, os.WriteFile(filepath.Join(origin, "f.txt"), []byte("two"), 0644))
	runGit(t, origin, "add", "f.txt")
	runGit(t, origin, "commit", "-m", "second")

	headCmd := exec.Command("git", "-C", origin, "rev-parse", "HEAD")
	headOut, err := headCmd.Output()
	require.NoError(t, err)
	head := string(bytes.TrimSpace(headOut))

	p := NewRepoPreparer(nil)
	var logBuf bytes.Buffer
	ok := p.Prepare(t.Context(), "", "", "main", head, working, "", &logBuf)
	require.True(t, ok, "prepare failed: %s", logBuf.String())

	content, err := os.ReadFile(filepath.Join(working, "f.txt"))
	require.NoError(t, err)
	require.Equal(t, "two", string(content))
}

func TestPrepareCloneAndCheckoutFreshWorkingTree(t *testing.T) {
	requireGit(t)

	origin := t.TempDir()
	runGit(t, origin, "init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(origin, "f.txt"), []byte("one"), 0644))
	runGit(t, origin, "add", "f.txt")
	runGit(t, origin, "commit", "-m", "first")

	headCmd := exec.Command("git", "-C", origin, "rev-parse", "HEAD")
	headOut, err := headCmd.Output()
	require.NoError(t, err)
	head := string(bytes.TrimSpace(headOut))

	working := filepath.Join(t.TempDir(), "nested", "working")

	p := &RepoPreparer{}
	var logBuf bytes.Buffer
	ok := p.cloneAndCheckout(t.Context(), origin, "main", head, working, os.Environ(), &logBuf)
	require.True(t, ok, "clone failed: %s", logBuf.String())

	content, err := os.ReadFile(filepath.Join(working, "f.txt"))
	require.NoError(t, err)
	require.Equal(t, "one", string(content))
}
