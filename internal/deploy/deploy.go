// Package deploy turns a revision of an instance's repository into a new
// active build: checkout, compile, API validation, then an atomic swap of
// the live build directory.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/engine"
	"github.com/zulandar/roundhouse/internal/jobs"
	"github.com/zulandar/roundhouse/internal/metrics"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/process"
	"github.com/zulandar/roundhouse/internal/repository"
	"github.com/zulandar/roundhouse/internal/store"
)

// Slot is the exclusive job slot a deployment holds on its instance.
const Slot = "deployment"

// Pipeline stages, as reported through job progress and metrics.
const (
	StageRevision = "revision"
	StageCompile  = "compile"
	StageValidate = "validate"
	StagePersist  = "persist"
)

// Swapper receives a freshly persisted build. The watchdog implements it.
type Swapper interface {
	ApplyCompileJob(ctx context.Context, cj models.CompileJob) error
}

// Deployments links builds to GitHub deployments.
type Deployments interface {
	CreateDeployment(ctx context.Context, owner, repo, ref, environment, description string) (deploymentID, repoID int64, err error)
	SetDeploymentStatus(ctx context.Context, owner, repo string, deploymentID int64, state, description string) error
}

// Pipeline holds the collaborators shared by every deployment.
type Pipeline struct {
	Store    *store.Store
	Source   repository.Source
	Compiler engine.Compiler
	// Launcher starts the throwaway validation server.
	Launcher process.Launcher
	// Deployments is optional.
	Deployments Deployments
	Engine      config.EngineConfig
	// APIVersion is the plugin API version this host speaks. Builds must
	// report the same major version.
	APIVersion   string
	PollInterval time.Duration
	Log          zerolog.Logger
}

// Request is one deployment of an instance.
type Request struct {
	Instance   models.Instance
	TestMerges []repository.TestMergeParameters
	// SelectMerges makes the captured revision current as soon as it is
	// recorded, so TestMerges stay selected for later deployments even if
	// this one fails.
	SelectMerges bool
	// Swapper, when set, is handed the new build after it is persisted.
	Swapper Swapper
}

type githubLink struct {
	owner, repo  string
	deploymentID int64
	repoID       int64
}

// Run executes every stage for req inside job and returns the persisted
// build. On error the instance's active build is untouched; with
// SelectMerges its current revision already names the requested merges.
func (p *Pipeline) Run(ctx context.Context, job models.Job, progress jobs.Progress, req Request) (cj models.CompileJob, err error) {
	inst := req.Instance
	log := p.Log.With().Str("component", "deploy").Uint("instance", inst.ID).Uint("job", job.ID).Logger()

	jobCtx := ctx
	settings, err := p.Store.Settings(ctx, inst.ID)
	if err != nil {
		return models.CompileJob{}, fmt.Errorf("deploy: %w", err)
	}
	if t := settings.DreamMaker.TimeoutSeconds; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(t)*time.Second)
		defer cancel()
	}

	var gh *githubLink
	defer func() {
		// Work interrupted by cancellation reports the cancellation itself
		// rather than whichever stage noticed it.
		if err != nil && errors.Is(jobCtx.Err(), context.Canceled) {
			err = jobCtx.Err()
		}
		result := "succeeded"
		if err != nil {
			result = "failed"
			if errors.Is(err, context.Canceled) {
				result = "cancelled"
			}
		}
		metrics.Deployments.WithLabelValues(metrics.Instance(inst.ID), result).Inc()
		if gh != nil {
			state, desc := "success", fmt.Sprintf("compile job %d", cj.ID)
			if err != nil {
				state, desc = "failure", truncate(err.Error(), 140)
			}
			p.githubStatus(log, gh, state, desc)
		}
	}()

	// Revision.
	start := time.Now()
	progress.Report(StageRevision, 5)
	co, err := p.Source.Checkout(ctx, repository.CheckoutRequest{
		InstanceID: inst.ID,
		Dir:        repositoryDir(inst),
		Settings:   settings.Repository,
		TestMerges: req.TestMerges,
		MergedBy:   job.StartedBy,
	})
	if err != nil {
		return models.CompileJob{}, jobs.Wrap(models.ErrorCodeRevisionFetchFailed, fmt.Errorf("deploy: checkout: %w", err))
	}
	rev, err := p.Store.CaptureRevision(ctx, co.Capture(inst.ID))
	if err != nil {
		return models.CompileJob{}, fmt.Errorf("deploy: %w", err)
	}
	metrics.ObserveStage(StageRevision, start)
	log.Info().Str("commit", rev.CommitSha).Int("test_merges", len(co.Steps)).Msg("revision captured")
	if req.SelectMerges {
		if err := p.Store.SetCurrentRevision(ctx, inst.ID, rev.ID); err != nil {
			return models.CompileJob{}, fmt.Errorf("deploy: select test merges: %w", err)
		}
	}

	gh = p.openGitHubDeployment(ctx, log, inst, settings.Repository, rev.CommitSha, job.ID)

	// Compile.
	start = time.Now()
	progress.Report(StageCompile, 25)
	directory := uuid.NewString()
	buildDir := engine.BuildDir(inst.Path, directory)
	keep := false
	defer func() {
		if !keep {
			if rmErr := os.RemoveAll(buildDir); rmErr != nil {
				log.Warn().Err(rmErr).Str("dir", buildDir).Msg("failed to remove abandoned build")
			}
		}
	}()

	if err := copyTree(co.Dir, buildDir); err != nil {
		return models.CompileJob{}, jobs.Wrap(models.ErrorCodeCompileFailed, fmt.Errorf("deploy: stage sources: %w", err))
	}
	project := settings.DreamMaker.ProjectName
	if project == "" {
		if project, err = engine.DetectProject(buildDir); err != nil {
			return models.CompileJob{}, jobs.Wrap(models.ErrorCodeCompileFailed, fmt.Errorf("deploy: %w", err))
		}
	}
	output, err := p.Compiler.Compile(ctx, engine.CompileRequest{
		Dir:     buildDir,
		Project: project,
		Args:    strings.Fields(settings.DreamMaker.CompilerAdditionalArguments),
	})
	if err != nil {
		return models.CompileJob{}, jobs.Wrap(models.ErrorCodeCompileFailed, fmt.Errorf("deploy: %w\n%s", err, output))
	}
	metrics.ObserveStage(StageCompile, start)
	log.Info().Str("directory", directory).Str("project", project).Msg("compiled")

	// Validate.
	start = time.Now()
	progress.Report(StageValidate, 60)
	v, err := p.validate(ctx, log, inst, settings, buildDir, project)
	if err != nil {
		return models.CompileJob{}, err
	}
	metrics.ObserveStage(StageValidate, start)

	// Persist.
	start = time.Now()
	progress.Report(StagePersist, 85)
	previous, err := swapLive(inst.Path, directory)
	if err != nil {
		return models.CompileJob{}, fmt.Errorf("deploy: %w", err)
	}
	keep = true

	build := models.CompileJob{
		JobID:                 job.ID,
		RevisionInformationID: rev.ID,
		DirectoryName:         directory,
		DMApiVersion:          v.apiVersion,
		MinimumSecurityLevel:  v.level,
		EngineVersion:         p.Engine.Version,
		ProjectName:           project,
		Output:                output,
		RepositoryOrigin:      settings.Repository.OriginURL,
	}
	if gh != nil {
		build.GitHubDeploymentID = &gh.deploymentID
		build.GitHubRepoID = &gh.repoID
	}
	cj, err = p.Store.CreateCompileJob(ctx, build)
	if err != nil {
		keep = false
		if restoreErr := restoreLive(inst.Path, previous); restoreErr != nil {
			log.Error().Err(restoreErr).Msg("failed to restore previous live build")
		}
		return models.CompileJob{}, fmt.Errorf("deploy: %w", err)
	}
	if err := p.Store.SetCurrentRevision(ctx, inst.ID, rev.ID); err != nil {
		log.Warn().Err(err).Msg("failed to record current revision")
	}
	metrics.ObserveStage(StagePersist, start)
	log.Info().Uint("compile_job", cj.ID).Str("directory", directory).Msg("deployment complete")

	if req.Swapper != nil {
		if err := req.Swapper.ApplyCompileJob(ctx, cj); err != nil {
			// The build stays active and is picked up on the next launch.
			log.Warn().Err(err).Uint("compile_job", cj.ID).Msg("running server not notified of new build")
		}
	}
	progress.Report(StagePersist, 100)
	return cj, nil
}

func repositoryDir(inst models.Instance) string {
	return filepath.Join(inst.Path, engine.RepositoryDir)
}

func (p *Pipeline) openGitHubDeployment(ctx context.Context, log zerolog.Logger, inst models.Instance, repo models.RepositorySettings, ref string, jobID uint) *githubLink {
	if p.Deployments == nil || !repo.CreateGitHubDeployments || repo.GitHubOwner == "" || repo.GitHubRepo == "" {
		return nil
	}
	desc := fmt.Sprintf("roundhouse deployment job %d", jobID)
	id, repoID, err := p.Deployments.CreateDeployment(ctx, repo.GitHubOwner, repo.GitHubRepo, ref, inst.Name, desc)
	if err != nil {
		log.Warn().Err(err).Msg("github deployment not created")
		return nil
	}
	gh := &githubLink{owner: repo.GitHubOwner, repo: repo.GitHubRepo, deploymentID: id, repoID: repoID}
	p.githubStatus(log, gh, "in_progress", desc)
	return gh
}

func (p *Pipeline) githubStatus(log zerolog.Logger, gh *githubLink, state, desc string) {
	// The job context may already be done; statuses are best effort.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := p.Deployments.SetDeploymentStatus(ctx, gh.owner, gh.repo, gh.deploymentID, state, desc); err != nil {
		log.Warn().Err(err).Str("state", state).Msg("github deployment status not updated")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
