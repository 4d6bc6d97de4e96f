package resume

import (
	"testing"

	"github.com/datallboy/godlm/internal/domain"
	"github.com/datallboy/godlm/internal/probe"
)

func strPtr(s string) *string { return &s }
func i64Ptr(n int64) *int64   { return &n }

func TestValidateForResumeAllowsFreshJob(t *testing.T) {
	job := &domain.Job{}
	result := probe.Result{ContentLength: i64Ptr(100), ETag: strPtr("x")}
	if err := ValidateForResume(job, result); err != nil {
		t.Fatalf("ValidateForResume on fresh job: %v", err)
	}
}

func TestValidateForResumeAllowsUnchangedResource(t *testing.T) {
	job := &domain.Job{TotalSize: i64Ptr(100), ETag: strPtr("abc"), LastModified: strPtr("Mon, 01 Jan 2024")}
	result := probe.Result{ContentLength: i64Ptr(100), ETag: strPtr("abc"), LastModified: strPtr("Mon, 01 Jan 2024")}
	if err := ValidateForResume(job, result); err != nil {
		t.Fatalf("ValidateForResume on unchanged resource: %v", err)
	}
}

func TestValidateForResumeRejectsChangedETag(t *testing.T) {
	job := &domain.Job{TotalSize: i64Ptr(100), ETag: strPtr("abc")}
	result := probe.Result{ContentLength: i64Ptr(100), ETag: strPtr("def")}
	err := ValidateForResume(job, result)
	if err == nil {
		t.Fatalf("expected error on changed ETag")
	}
	changedErr, ok := err.(*RemoteChangedError)
	if !ok {
		t.Fatalf("error type = %T, want *RemoteChangedError", err)
	}
	if !changedErr.Changed.ETag || changedErr.Changed.Size || changedErr.Changed.LastModified {
		t.Fatalf("Changed = %+v, want only ETag", changedErr.Changed)
	}
}

func TestValidateForResumeRejectsChangedSize(t *testing.T) {
	job := &domain.Job{TotalSize: i64Ptr(100)}
	result := probe.Result{ContentLength: i64Ptr(200)}
	err := ValidateForResume(job, result)
	if err == nil {
		t.Fatalf("expected error on changed size")
	}
	if !err.(*RemoteChangedError).Changed.Size {
		t.Fatalf("expected Size flagged as changed")
	}
}

func TestValidateForResumeTreatsMissingValidatorAsChanged(t *testing.T) {
	job := &domain.Job{TotalSize: i64Ptr(100), ETag: strPtr("abc")}
	result := probe.Result{ContentLength: i64Ptr(100), ETag: nil}
	err := ValidateForResume(job, result)
	if err == nil {
		t.Fatalf("expected error when a stored validator is missing from the fresh probe")
	}
	if !err.(*RemoteChangedError).Changed.ETag {
		t.Fatalf("expected ETag flagged as changed")
	}
}

func TestRemoteChangedErrorMessageListsFields(t *testing.T) {
	err := &RemoteChangedError{Changed: ChangedFields{ETag: true, Size: true}}
	msg := err.Error()
	if msg == "" {
		t.Fatalf("expected non-empty error message")
	}
}
