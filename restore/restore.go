package restore

import (
	"context"

	json "github.com/goccy/go-json"

	"github.com/pgbackrest-go/pgbackrest/manifest"
	"github.com/pgbackrest-go/pgbackrest/pgerr"
	"github.com/pgbackrest-go/pgbackrest/pgmetrics"
	"github.com/pgbackrest-go/pgbackrest/worker"
)

// Chain maps a backup label to its manifest, covering the target backup
// and every ancestor a referenced or block-incremental file needs.
type Chain map[string]*manifest.Manifest

// Job is one file queued for reconstruction.
type Job struct {
	manifest.FileEntry
	DestPath     string
	RepoPath     string
	BaseRepoPath string
	CompressType string
}

// Plan narrows target's manifest to sel, diffs it against destDir under
// delta, and returns one reconstruction job per file that still needs
// restoring.
func Plan(destDir string, target *manifest.Manifest, chain Chain, sel Selector, delta DeltaMode) ([]Job, error) {
	filtered := sel.Apply(target)

	var jobs []Job
	for _, f := range filtered.Files {
		need, err := needsRestore(destDir, f, delta)
		if err != nil {
			return nil, err
		}
		if !need {
			continue
		}

		job := Job{FileEntry: f, DestPath: destDir + "/" + f.Path, CompressType: target.CompressType}
		switch {
		case len(f.BlockMap) > 0 && f.Reference != "":
			job.RepoPath = target.Label + "/" + f.Path
			job.BaseRepoPath = f.Reference + "/" + f.Path
			if m, ok := chain[f.Reference]; ok {
				job.CompressType = m.CompressType
			}
		case f.Reference != "":
			job.RepoPath = f.Reference + "/" + f.Path
			if m, ok := chain[f.Reference]; ok {
				job.CompressType = m.CompressType
			}
		default:
			job.RepoPath = target.Label + "/" + f.Path
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Schedule dispatches every job to the worker pool, returning the
// per-path reconstruction results or the first fatal error.
func Schedule(ctx context.Context, dispatch worker.Dispatcher, jobs []Job, blockSize int64) (map[string]ReconstructResult, error) {
	results := make(map[string]ReconstructResult, len(jobs))
	for _, j := range jobs {
		switch {
		case len(j.BlockMap) > 0 && j.Reference != "":
			pgmetrics.RecordRestoreFile("block-incremental")
		case j.Reference != "":
			pgmetrics.RecordRestoreFile("referenced")
		default:
			pgmetrics.RecordRestoreFile("full")
		}

		args := ReconstructArgs{
			RepoPath:     j.RepoPath,
			CompressType: j.CompressType,
			DestPath:     j.DestPath,
			Mode:         j.Mode,
			BaseRepoPath: j.BaseRepoPath,
			BlockMap:     j.BlockMap,
			BlockSize:    blockSize,
		}
		payload, merr := json.Marshal(args)
		if merr != nil {
			return nil, pgerr.Wrap(pgerr.FormatError, merr, "encode reconstruct args for %s", j.Path)
		}

		resp, err := dispatch.Dispatch(ctx, worker.Command{Verb: ReconstructFileVerb, Args: payload})
		if err != nil {
			return nil, err
		}
		var res ReconstructResult
		if derr := json.Unmarshal(resp.Result, &res); derr != nil {
			return nil, pgerr.Wrap(pgerr.FormatError, derr, "decode reconstruct result for %s", j.Path)
		}
		results[j.Path] = res
	}
	return results, nil
}
