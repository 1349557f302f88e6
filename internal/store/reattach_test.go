package store

import (
	"context"
	"errors"
	"testing"

	"github.com/zulandar/roundhouse/internal/models"
)

func TestReattach_SaveReplaceDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.GetReattach(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetReattach(empty) = %v, want ErrNotFound", err)
	}

	topic := uint16(1338)
	saved, err := s.SaveReattach(ctx, models.ReattachInformation{
		InstanceID:          1,
		AccessIdentifier:    "secret-1",
		ProcessID:           4242,
		Port:                1337,
		TopicPort:           &topic,
		LaunchSecurityLevel: models.SecuritySafe,
		CompileJobID:        7,
		InitialCompileJobID: 7,
	})
	if err != nil {
		t.Fatalf("SaveReattach: %v", err)
	}
	if saved.ControlPort() != 1338 {
		t.Errorf("ControlPort() = %d, want 1338", saved.ControlPort())
	}

	saved.CompileJobID = 8
	saved.RebootState = models.RebootRestart
	if _, err := s.SaveReattach(ctx, saved); err != nil {
		t.Fatalf("SaveReattach (update): %v", err)
	}

	all, _ := s.ListReattach(ctx)
	if len(all) != 1 {
		t.Fatalf("reattach rows = %d, want 1", len(all))
	}
	if all[0].CompileJobID != 8 || all[0].InitialCompileJobID != 7 {
		t.Errorf("compile jobs = %d/%d, want 8/7", all[0].CompileJobID, all[0].InitialCompileJobID)
	}
	if all[0].RebootState != models.RebootRestart {
		t.Errorf("RebootState = %v, want restart", all[0].RebootState)
	}

	if err := s.DeleteReattach(ctx, 1); err != nil {
		t.Fatalf("DeleteReattach: %v", err)
	}
	if err := s.DeleteReattach(ctx, 1); err != nil {
		t.Fatalf("DeleteReattach (missing): %v", err)
	}
	if _, err := s.GetReattach(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetReattach after delete = %v, want ErrNotFound", err)
	}
}
