package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/store"
)

const (
	defaultCommitterName  = "Roundhouse"
	defaultCommitterEmail = "roundhouse@noreply"
	defaultPullRefFormat  = "pull/%d/head"
)

// Git is the Source backed by the git binary.
//
// Test merges are deterministic: every merge commit uses the configured
// committer for author and committer, and the base commit's date for both
// timestamps, so the same merges on the same base give the same sha.
type Git struct {
	// Binary defaults to "git".
	Binary string
	// PullRefFormat builds the ref fetched for a pull request number.
	PullRefFormat string
	// GitHub, when set, supplies pull request metadata.
	GitHub PullRequests
	Log    zerolog.Logger
}

// Checkout clones or fetches the origin, resets to the tracked reference and
// applies the requested test merges in order.
func (g *Git) Checkout(ctx context.Context, req CheckoutRequest) (Checkout, error) {
	settings := req.Settings
	if settings.OriginURL == "" {
		return Checkout{}, fmt.Errorf("repository: instance %d has no origin", req.InstanceID)
	}
	if err := g.ensureClone(ctx, req.Dir, settings.OriginURL); err != nil {
		return Checkout{}, err
	}

	ref := settings.Reference
	if ref == "" {
		ref = "HEAD"
	}
	if _, err := g.run(ctx, req.Dir, nil, "fetch", "--prune", "origin", ref); err != nil {
		return Checkout{}, err
	}
	if _, err := g.run(ctx, req.Dir, nil, "checkout", "--force", "--detach", "FETCH_HEAD"); err != nil {
		return Checkout{}, err
	}
	if _, err := g.run(ctx, req.Dir, nil, "clean", "-fdx"); err != nil {
		return Checkout{}, err
	}

	base, err := g.revParse(ctx, req.Dir, "HEAD")
	if err != nil {
		return Checkout{}, err
	}
	dateOut, err := g.run(ctx, req.Dir, nil, "show", "-s", "--format=%cI", "HEAD")
	if err != nil {
		return Checkout{}, err
	}
	baseDate := strings.TrimSpace(dateOut)
	timestamp, err := time.Parse(time.RFC3339, baseDate)
	if err != nil {
		return Checkout{}, fmt.Errorf("repository: parse commit date %q: %w", baseDate, err)
	}

	co := Checkout{Dir: req.Dir, OriginCommitSha: base, Timestamp: timestamp.UTC()}
	identity := mergeIdentity(settings, baseDate)
	for _, tm := range req.TestMerges {
		step, err := g.testMerge(ctx, req, tm, identity)
		if err != nil {
			return Checkout{}, err
		}
		co.Steps = append(co.Steps, step)
	}

	g.Log.Debug().Uint("instance", req.InstanceID).Str("base", base).
		Int("test_merges", len(co.Steps)).Str("head", co.HeadSha()).Msg("checkout ready")
	return co, nil
}

func mergeIdentity(s models.RepositorySettings, date string) []string {
	name, email := s.CommitterName, s.CommitterEmail
	if name == "" {
		name = defaultCommitterName
	}
	if email == "" {
		email = defaultCommitterEmail
	}
	return []string{
		"GIT_AUTHOR_NAME=" + name,
		"GIT_AUTHOR_EMAIL=" + email,
		"GIT_COMMITTER_NAME=" + name,
		"GIT_COMMITTER_EMAIL=" + email,
		"GIT_AUTHOR_DATE=" + date,
		"GIT_COMMITTER_DATE=" + date,
	}
}

func (g *Git) testMerge(ctx context.Context, req CheckoutRequest, tm TestMergeParameters, identity []string) (store.MergeStep, error) {
	format := g.PullRefFormat
	if format == "" {
		format = defaultPullRefFormat
	}
	if _, err := g.run(ctx, req.Dir, nil, "fetch", "origin", fmt.Sprintf(format, tm.Number)); err != nil {
		return store.MergeStep{}, fmt.Errorf("repository: fetch #%d: %w", tm.Number, err)
	}
	head, err := g.revParse(ctx, req.Dir, "FETCH_HEAD")
	if err != nil {
		return store.MergeStep{}, err
	}
	target := head
	if tm.TargetCommitSha != "" {
		target, err = g.revParse(ctx, req.Dir, tm.TargetCommitSha+"^{commit}")
		if err != nil {
			return store.MergeStep{}, fmt.Errorf("repository: #%d target %s: %w", tm.Number, tm.TargetCommitSha, err)
		}
	}

	msg := fmt.Sprintf("Test merge #%d at %s", tm.Number, target)
	if _, err := g.run(ctx, req.Dir, identity, "merge", "--no-ff", "--no-edit", "-m", msg, target); err != nil {
		g.run(ctx, req.Dir, nil, "merge", "--abort")
		return store.MergeStep{}, fmt.Errorf("repository: merge #%d: %w", tm.Number, err)
	}
	sha, err := g.revParse(ctx, req.Dir, "HEAD")
	if err != nil {
		return store.MergeStep{}, err
	}

	merge := models.TestMerge{
		InstanceID:      req.InstanceID,
		Number:          tm.Number,
		TargetCommitSha: target,
		MergedAt:        time.Now().UTC(),
		MergedBy:        req.MergedBy,
		Comment:         tm.Comment,
	}
	if g.GitHub != nil && req.Settings.GitHubOwner != "" {
		pr, err := g.GitHub.PullRequest(ctx, req.Settings.GitHubOwner, req.Settings.GitHubRepo, tm.Number)
		if err != nil {
			// Metadata is informational; the merge itself already succeeded.
			g.Log.Warn().Err(err).Int("number", tm.Number).Msg("pull request metadata unavailable")
		} else {
			merge.TitleAtMerge = pr.Title
			merge.BodyAtMerge = pr.Body
			merge.Author = pr.Author
			merge.URL = pr.URL
			merge.SourceRepository = pr.SourceRepository
		}
	}
	return store.MergeStep{CommitSha: sha, Merge: merge}, nil
}

func (g *Git) ensureClone(ctx context.Context, dir, origin string) error {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		_, err := g.run(ctx, dir, nil, "remote", "set-url", "origin", origin)
		return err
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("repository: stat %s: %w", dir, err)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("repository: create %s: %w", filepath.Dir(dir), err)
	}
	_, err := g.run(ctx, "", nil, "clone", "--no-checkout", origin, dir)
	return err
}

func (g *Git) revParse(ctx context.Context, dir, rev string) (string, error) {
	out, err := g.run(ctx, dir, nil, "rev-parse", "--verify", rev)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (g *Git) run(ctx context.Context, dir string, env []string, args ...string) (string, error) {
	binary := g.Binary
	if binary == "" {
		binary = "git"
	}
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	cmd.Env = append(cmd.Env, env...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %s: %w", args[0], strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}
