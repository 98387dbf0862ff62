// Package repoprep clones or fast-forwards a working tree at a specific
// commit using provider-minted credentials.
//
// This shells out to the system git binary rather than using a pure-Go
// library (go-git). The native binary is faster, handles protocol edge
// cases the pack's library choices do not all cover, and avoids pulling in
// dozens of transitive dependencies for what is, per build, a single
// fire-and-forget clone or fetch. The orchestrator's container image must
// ship git itself.
package repoprep

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

// askpassScript is invoked by git as `$GIT_ASKPASS "<prompt>"` whenever it
// needs a credential; its stdout becomes the credential. It ignores the
// prompt argument entirely and prints the token handed to it via GIT_TOKEN,
// which is how both the username and password prompts resolve to the same
// installation token.
const askpassScript = "#!/bin/sh\nprintf '%s\\n' \"$GIT_TOKEN\"\n"

// TokenMinter mints a short-lived installation-scoped access token for a
// repository, the first of the four repository-provider operations in the
// external-interfaces contract.
type TokenMinter interface {
	MintInstallationToken(ctx context.Context, installationID, repoFullName string) (string, error)
}

// RepoPreparer clones or fast-forwards working trees for builds.
type RepoPreparer struct {
	tokenMinter TokenMinter
}

// NewRepoPreparer constructs a RepoPreparer backed by a TokenMinter used
// when no tokenOverride is supplied to Prepare.
func NewRepoPreparer(tokenMinter TokenMinter) *RepoPreparer {
	return &RepoPreparer{tokenMinter: tokenMinter}
}

// Prepare brings workingPath to commitSha on branch, returning false (never
// an error value the orchestrator itself invents) on any inability to reach
// the commit — the orchestrator maps a false return to RepoUnavailable.
//
// Credential precedence: tokenOverride when supplied, otherwise a freshly
// minted installation token. Tokens are passed via the process environment
// to the git subprocess and are never written into a URL persisted on disk.
func (p *RepoPreparer) Prepare(ctx context.Context, installationID, repoFullName, branch, commitSha, workingPath string, tokenOverride string, logWriter io.Writer) bool {
	token := tokenOverride
	if token == "" && p.tokenMinter != nil {
		minted, err := p.tokenMinter.MintInstallationToken(ctx, installationID, repoFullName)
		if err != nil {
			fmt.Fprintf(logWriter, "failed to mint installation token: %v\n", err)
			return false
		}
		token = minted
	}

	repoURL := fmt.Sprintf("https://github.com/%s.git", repoFullName)

	env, cleanup, err := gitEnvWithToken(token)
	if err != nil {
		fmt.Fprintf(logWriter, "failed to set up git credentials: %v\n", err)
		return false
	}
	defer cleanup()

	if isExistingWorkingTree(workingPath) {
		return p.fetchAndResetTo(ctx, workingPath, branch, commitSha, env, logWriter)
	}
	return p.cloneAndCheckout(ctx, repoURL, branch, commitSha, workingPath, env, logWriter)
}

func isExistingWorkingTree(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil && info != nil
}

func (p *RepoPreparer) cloneAndCheckout(ctx context.Context, repoURL, branch, commitSha, destinationDir string, env []string, logWriter io.Writer) bool {
	if err := os.MkdirAll(filepath.Dir(destinationDir), 0755); err != nil {
		fmt.Fprintf(logWriter, "failed to create parent directory for clone: %v\n", err)
		return false
	}

	cloneCmd := exec.CommandContext(ctx, "git", "clone",
		"--depth", "1",
		"--single-branch",
		"--branch", branch,
		repoURL,
		destinationDir,
	)
	cloneCmd.Env = env
	cloneCmd.Stdout = logWriter
	cloneCmd.Stderr = logWriter

	if err := cloneCmd.Run(); err != nil {
		fmt.Fprintf(logWriter, "git clone failed for %q (branch %q): %v\n", repoURL, branch, err)
		return false
	}

	return p.checkoutCommit(ctx, destinationDir, commitSha, logWriter)
}

func (p *RepoPreparer) fetchAndResetTo(ctx context.Context, workingPath, branch, commitSha string, env []string, logWriter io.Writer) bool {
	fetchCmd := exec.CommandContext(ctx, "git", "-C", workingPath, "fetch", "--depth", "1", "origin", branch)
	fetchCmd.Env = env
	fetchCmd.Stdout = logWriter
	fetchCmd.Stderr = logWriter
	if err := fetchCmd.Run(); err != nil {
		fmt.Fprintf(logWriter, "git fetch failed for branch %q: %v\n", branch, err)
		return false
	}

	resetCmd := exec.CommandContext(ctx, "git", "-C", workingPath, "reset", "--hard", commitSha)
	resetCmd.Stdout = logWriter
	resetCmd.Stderr = logWriter
	if err := resetCmd.Run(); err != nil {
		fmt.Fprintf(logWriter, "git reset --hard %q failed: %v\n", commitSha, err)
		return false
	}
	return true
}

func (p *RepoPreparer) checkoutCommit(ctx context.Context, workingPath, commitSha string, logWriter io.Writer) bool {
	checkoutCmd := exec.CommandContext(ctx, "git", "-C", workingPath, "checkout", commitSha)
	checkoutCmd.Stdout = logWriter
	checkoutCmd.Stderr = logWriter
	if err := checkoutCmd.Run(); err != nil {
		fmt.Fprintf(logWriter, "git checkout %q failed: %v\n", commitSha, err)
		return false
	}
	return true
}

// gitEnvWithToken writes a throwaway GIT_ASKPASS script to disk and returns
// an environment pointing git at it, alongside a cleanup func that removes
// the script. The token itself is exposed only via GIT_TOKEN, read by the
// script, never embedded in the remote URL (which git would otherwise
// persist into .git/config).
func gitEnvWithToken(token string) (env []string, cleanup func(), err error) {
	base := os.Environ()
	if token == "" {
		return base, func() {}, nil
	}

	f, err := os.CreateTemp("", "ando-git-askpass-*.sh")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create askpass script: %w", err)
	}
	path := f.Name()
	cleanup = func() { os.Remove(path) }

	if _, err := f.WriteString(askpassScript); err != nil {
		f.Close()
		cleanup()
		return nil, nil, fmt.Errorf("failed to write askpass script: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to close askpass script: %w", err)
	}
	if err := os.Chmod(path, 0700); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to make askpass script executable: %w", err)
	}

	env = append(base, "GIT_ASKPASS="+path, "GIT_TOKEN="+token, "GIT_TERMINAL_PROMPT=0")
	return env, cleanup, nil
}
