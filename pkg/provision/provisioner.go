package provision

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/beam-cloud/handoff/pkg/repository"
	"github.com/beam-cloud/handoff/pkg/sandbox"
	"github.com/beam-cloud/handoff/pkg/types"
	"github.com/rs/zerolog/log"
)

const envFilePath = "/etc/profile.d/workspace_env.sh"

// Executor runs shell commands inside an acquired sandbox
type Executor interface {
	Exec(ctx context.Context, command string) (*sandbox.ExecResult, error)
}

// TokenSource resolves installation ids to short-lived access tokens
type TokenSource interface {
	Token(ctx context.Context, installationID int64) (string, error)
}

// Provisioner checks a repository out into a sandbox workspace and injects
// its secret environment before the clone.
type Provisioner struct {
	vault  repository.VaultRepository
	tokens TokenSource
}

func NewProvisioner(vault repository.VaultRepository, tokens TokenSource) *Provisioner {
	return &Provisioner{vault: vault, tokens: tokens}
}

// Provision prepares workDir inside the sandbox: env vars first, then a
// fresh shallow clone, then the requested branch. Re-provisioning a reused
// sandbox is safe; the workspace is cleared before the clone.
func (p *Provisioner) Provision(ctx context.Context, exec Executor, spec *types.RepoCloneSpec, workDir string) error {
	if spec == nil {
		return nil
	}

	if err := p.injectEnvVars(ctx, exec, spec); err != nil {
		return err
	}

	cloneURL := spec.RemoteURL
	if spec.InstallationID != 0 {
		if p.tokens == nil {
			log.Warn().
				Int64("installation_id", spec.InstallationID).
				Msg("no installation token source configured, cloning anonymously")
		} else if token, err := p.tokens.Token(ctx, spec.InstallationID); err != nil {
			// Anonymous fallback; private repos will fail loudly at clone
			log.Warn().Err(err).
				Int64("installation_id", spec.InstallationID).
				Msg("installation token unavailable, cloning anonymously")
		} else {
			cloneURL, err = authenticatedCloneURL(spec.RemoteURL, token)
			if err != nil {
				return fmt.Errorf("build authenticated clone url: %w", err)
			}
			if err := p.installCredentialHelper(ctx, exec, token); err != nil {
				return err
			}
		}
	}

	if _, err := runStep(ctx, exec, "clear workspace",
		fmt.Sprintf("rm -rf %s && mkdir -p %s", shellQuote(workDir), shellQuote(workDir))); err != nil {
		return err
	}

	if _, err := runStep(ctx, exec, "clone repository",
		fmt.Sprintf("git clone --depth 1 %s %s", shellQuote(cloneURL), shellQuote(workDir))); err != nil {
		return err
	}

	if _, err := runStep(ctx, exec, "mark workspace safe",
		fmt.Sprintf("git config --global --add safe.directory %s", shellQuote(workDir))); err != nil {
		return err
	}

	if err := p.checkoutBranch(ctx, exec, spec.Branch, workDir); err != nil {
		return err
	}

	// Best effort; a shallow clone of a busy branch may already be behind
	if _, err := exec.Exec(ctx, fmt.Sprintf("git -C %s pull --ff-only", shellQuote(workDir))); err != nil {
		log.Debug().Err(err).Msg("post-clone pull failed")
	}

	log.Info().
		Str("remote_url", spec.RemoteURL).
		Str("branch", spec.Branch).
		Str("work_dir", workDir).
		Msg("repository provisioned")

	return nil
}

// injectEnvVars writes vault secrets into the sandbox env file so they are
// present before any repository code runs.
func (p *Provisioner) injectEnvVars(ctx context.Context, exec Executor, spec *types.RepoCloneSpec) error {
	if p.vault == nil || spec.VaultOwnerID == "" || spec.VaultRepoID == "" {
		return nil
	}

	vars, err := p.vault.GetEnvVars(ctx, spec.VaultOwnerID, spec.VaultRepoID)
	if err != nil {
		return fmt.Errorf("fetch vault env vars: %w", err)
	}
	if len(vars) == 0 {
		return nil
	}

	var sb strings.Builder
	for _, ev := range vars {
		sb.WriteString(fmt.Sprintf("export %s=%s\n", ev.Key, shellQuote(ev.Value)))
	}

	command := fmt.Sprintf("cat > %s <<'HANDOFF_ENV_EOF'\n%sHANDOFF_ENV_EOF", envFilePath, sb.String())
	if _, err := runStep(ctx, exec, "write env file", command); err != nil {
		return err
	}

	log.Info().Int("count", len(vars)).Msg("injected vault env vars")
	return nil
}

// installCredentialHelper configures git inside the sandbox so later
// fetches and pushes reuse the installation token.
func (p *Provisioner) installCredentialHelper(ctx context.Context, exec Executor, token string) error {
	helper := fmt.Sprintf("!f(){ echo username=x-access-token; echo password=%s; };f", token)
	command := fmt.Sprintf("git config --global credential.helper %s", shellQuote(helper))
	_, err := runStep(ctx, exec, "install git credential helper", command)
	return err
}

// checkoutBranch fetches and checks out the requested branch as a shallow
// tracking branch, unless the clone's default branch already matches.
func (p *Provisioner) checkoutBranch(ctx context.Context, exec Executor, branch, workDir string) error {
	if branch == "" {
		return nil
	}

	current, err := runStep(ctx, exec, "resolve default branch",
		fmt.Sprintf("git -C %s rev-parse --abbrev-ref HEAD", shellQuote(workDir)))
	if err != nil {
		return err
	}
	if strings.TrimSpace(current.Stdout) == branch {
		return nil
	}

	// The shallow clone is single-branch, so the branch must be fetched
	// with an explicit destination refspec or origin/<branch> never exists
	refspec := fmt.Sprintf("%s:refs/remotes/origin/%s", branch, branch)
	if _, err := runStep(ctx, exec, "fetch branch",
		fmt.Sprintf("git -C %s fetch --depth 1 origin %s", shellQuote(workDir), shellQuote(refspec))); err != nil {
		return err
	}
	if _, err := runStep(ctx, exec, "checkout branch",
		fmt.Sprintf("git -C %s checkout -B %s origin/%s", shellQuote(workDir), shellQuote(branch), shellQuote(branch))); err != nil {
		return err
	}
	return nil
}

func runStep(ctx context.Context, exec Executor, step, command string) (*sandbox.ExecResult, error) {
	result, err := exec.Exec(ctx, command)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", step, err)
	}
	if result.ExitCode != 0 {
		detail := strings.TrimSpace(result.Stderr)
		if detail == "" {
			detail = strings.TrimSpace(result.Stdout)
		}
		return nil, fmt.Errorf("%s exited %d: %s", step, result.ExitCode, detail)
	}
	return result, nil
}

// authenticatedCloneURL embeds installation token credentials into an
// https remote url.
func authenticatedCloneURL(remote, token string) (string, error) {
	parsed, err := url.Parse(remote)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported clone url scheme %q", parsed.Scheme)
	}
	parsed.User = url.UserPassword("x-access-token", token)
	return parsed.String(), nil
}

// shellQuote single-quotes a value for safe interpolation into a shell
// command line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
