// Package repository produces the source tree a deployment compiles: the
// tracked reference plus any pull requests overlaid as test merges.
package repository

import (
	"context"
	"time"

	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/store"
)

// TestMergeParameters asks for one pull request to be merged on top of the
// tracked reference.
type TestMergeParameters struct {
	Number int
	// TargetCommitSha pins the pull request head. Empty means its current head.
	TargetCommitSha string
	Comment         string
}

// CheckoutRequest is one checkout of an instance's repository.
type CheckoutRequest struct {
	InstanceID uint
	// Dir is the working copy. It is cloned on first use.
	Dir        string
	Settings   models.RepositorySettings
	TestMerges []TestMergeParameters
	MergedBy   string
}

// Checkout is a prepared working copy.
type Checkout struct {
	Dir             string
	OriginCommitSha string
	// Timestamp is the commit time of the base commit.
	Timestamp time.Time
	Steps     []store.MergeStep
}

// HeadSha returns the commit the working copy is at.
func (c Checkout) HeadSha() string {
	if n := len(c.Steps); n > 0 {
		return c.Steps[n-1].CommitSha
	}
	return c.OriginCommitSha
}

// Capture converts the checkout into a revision capture for instanceID.
func (c Checkout) Capture(instanceID uint) store.Capture {
	return store.Capture{
		InstanceID:      instanceID,
		OriginCommitSha: c.OriginCommitSha,
		Timestamp:       c.Timestamp,
		Steps:           c.Steps,
	}
}

// Source prepares working copies.
type Source interface {
	Checkout(ctx context.Context, req CheckoutRequest) (Checkout, error)
}

// PullRequest is the metadata snapshot stored with a test merge.
type PullRequest struct {
	Number           int
	HeadSha          string
	Title            string
	Body             string
	Author           string
	URL              string
	SourceRepository string
}

// PullRequests looks up pull request metadata.
type PullRequests interface {
	PullRequest(ctx context.Context, owner, repo string, number int) (PullRequest, error)
}
