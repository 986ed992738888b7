package reconcile

import (
	"cmp"
	"slices"

	"github.com/pitabwire/leadboard/model"
)

// Attribute assigns every job to the workflow version that was in effect
// when the job was created: the newest version created at or before the job.
// Jobs older than every version go to the oldest version. Each bucket is
// ordered newest job first. Without versions the result is empty.
//
// Version timestamps are assumed to increase with version numbers.
func Attribute(versions []model.WorkflowVersionSummary, jobs []model.Job) map[int][]model.Job {
	out := make(map[int][]model.Job)
	if len(versions) == 0 {
		return out
	}

	sorted := sortVersions(versions)
	for _, job := range jobs {
		v := attributeJob(sorted, job)
		out[v] = append(out[v], job)
	}
	for v := range out {
		sortJobs(out[v])
	}
	return out
}

// Buckets is Attribute rendered as a list ordered newest version first.
// Versions without jobs get an empty bucket.
func Buckets(versions []model.WorkflowVersionSummary, jobs []model.Job) []model.VersionBucket {
	attributed := Attribute(versions, jobs)
	sorted := sortVersions(versions)

	buckets := make([]model.VersionBucket, 0, len(sorted))
	seen := make(map[int]bool, len(sorted))
	for _, v := range sorted {
		if seen[v.Version] {
			continue
		}
		seen[v.Version] = true
		bucketJobs := attributed[v.Version]
		if bucketJobs == nil {
			bucketJobs = []model.Job{}
		}
		buckets = append(buckets, model.VersionBucket{WorkflowVersionSummary: v, Jobs: bucketJobs})
	}
	return buckets
}

func attributeJob(sorted []model.WorkflowVersionSummary, job model.Job) int {
	created := job.CreatedAt.Instant()
	for _, v := range sorted {
		if !v.CreatedAt.Instant().After(created) {
			return v.Version
		}
	}
	return sorted[len(sorted)-1].Version
}

// sortVersions returns versions newest first. Equal timestamps fall back to
// the higher version number.
func sortVersions(versions []model.WorkflowVersionSummary) []model.WorkflowVersionSummary {
	sorted := slices.Clone(versions)
	slices.SortStableFunc(sorted, func(a, b model.WorkflowVersionSummary) int {
		if c := b.CreatedAt.Instant().Compare(a.CreatedAt.Instant()); c != 0 {
			return c
		}
		return cmp.Compare(b.Version, a.Version)
	})
	return sorted
}

func sortJobs(jobs []model.Job) {
	slices.SortStableFunc(jobs, func(a, b model.Job) int {
		return b.CreatedAt.Instant().Compare(a.CreatedAt.Instant())
	})
}
