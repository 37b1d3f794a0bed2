package preflight

import (
	"context"
	"fmt"
	"path/filepath"

	"hopper/internal/config"
	"hopper/internal/mirror"
	"hopper/internal/pipeline"
	"hopper/internal/scanner"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// RunAll executes all applicable preflight checks for the given config.
// Checks are only run when the corresponding feature is enabled.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result

	// State and log directories (always checked)
	results = append(results, CheckDirectoryAccess("State directory", cfg.Paths.StateDir))
	results = append(results, CheckDirectoryAccess("Log directory", cfg.Paths.LogDir))

	for _, src := range cfg.Sources {
		results = append(results, CheckSource(cfg, src)...)
	}

	results = append(results, CheckProcessor(cfg))

	if cfg.Mirror.Enabled {
		uploader, err := mirror.NewS3Uploader(ctx, cfg.Mirror)
		if err != nil {
			results = append(results, Result{Name: "Archive mirror", Detail: err.Error()})
		} else {
			results = append(results, CheckMirror(ctx, cfg.Mirror.Bucket, uploader))
		}
	}
	return results
}

// CheckSource verifies the watched path and stage directories of one source.
func CheckSource(cfg *config.Config, src config.Source) []Result {
	prefix := fmt.Sprintf("Source %s", src.Name)
	switch pipeline.DetectMode(src) {
	case scanner.ModeAdmin:
		return []Result{
			CheckFileReadable(prefix+" file", src.Path),
			CheckDirectoryAccess(prefix+" scratch", cfg.ScratchDir(src)),
		}
	case scanner.ModeFile:
		return []Result{
			CheckDirectoryAccess(prefix+" directory", filepath.Dir(src.Path)),
			CheckDirectoryAccess(prefix+" stages", src.StageDir),
		}
	default:
		return []Result{
			CheckDirectoryAccess(prefix+" directory", src.Path),
			CheckDirectoryAccess(prefix+" stages", src.StageDir),
		}
	}
}
