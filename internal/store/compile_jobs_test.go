package store

import (
	"context"
	"errors"
	"testing"

	"github.com/zulandar/roundhouse/internal/models"
)

func createBuild(t *testing.T, s *Store, instanceID uint, dir string) models.CompileJob {
	t.Helper()
	ctx := context.Background()
	job, err := s.CreateJob(ctx, models.Job{Description: "deploy", JobCode: models.JobCodeDeployment, InstanceID: instanceID})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	rev, err := s.CaptureRevision(ctx, Capture{InstanceID: instanceID, OriginCommitSha: baseSha})
	if err != nil {
		t.Fatalf("CaptureRevision: %v", err)
	}
	version := "5.6.1"
	cj, err := s.CreateCompileJob(ctx, models.CompileJob{
		JobID:                 job.ID,
		RevisionInformationID: rev.ID,
		DirectoryName:         dir,
		DMApiVersion:          &version,
		MinimumSecurityLevel:  models.SecuritySafe,
		EngineVersion:         "515.1633",
		ProjectName:           "game",
	})
	if err != nil {
		t.Fatalf("CreateCompileJob: %v", err)
	}
	s.CompleteJob(ctx, job.ID, Completion{})
	return cj
}

func TestCompileJobs_Latest(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.LatestCompileJob(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("LatestCompileJob(empty) = %v, want ErrNotFound", err)
	}

	first := createBuild(t, s, 1, "00000000-0000-0000-0000-000000000001")
	second := createBuild(t, s, 1, "00000000-0000-0000-0000-000000000002")
	createBuild(t, s, 2, "00000000-0000-0000-0000-000000000003")

	latest, err := s.LatestCompileJob(ctx, 1)
	if err != nil {
		t.Fatalf("LatestCompileJob: %v", err)
	}
	if latest.ID != second.ID {
		t.Errorf("latest = %d, want %d", latest.ID, second.ID)
	}
	if latest.Job.ID == 0 || latest.RevisionInformation.CommitSha != baseSha {
		t.Errorf("associations not preloaded: %+v", latest)
	}

	got, err := s.GetCompileJob(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetCompileJob: %v", err)
	}
	if got.DMApiVersion == nil || *got.DMApiVersion != "5.6.1" {
		t.Errorf("DMApiVersion = %v", got.DMApiVersion)
	}

	list, _ := s.ListCompileJobs(ctx, 1, 0)
	if len(list) != 2 || list[0].ID != second.ID {
		t.Errorf("ListCompileJobs = %d rows, want 2 newest first", len(list))
	}
}

func TestCreateCompileJob_DuplicateDirectory(t *testing.T) {
	s := testStore(t)
	createBuild(t, s, 1, "dup")
	ctx := context.Background()
	job, _ := s.CreateJob(ctx, models.Job{Description: "deploy", JobCode: models.JobCodeDeployment, InstanceID: 1})
	_, err := s.CreateCompileJob(ctx, models.CompileJob{JobID: job.ID, RevisionInformationID: 1, DirectoryName: "dup", EngineVersion: "1"})
	if err == nil {
		t.Fatal("expected unique violation on directory name")
	}
}
