package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/lyzr/supervisor/workflow/execution"
	"github.com/lyzr/supervisor/workflow/registry"
	"github.com/lyzr/supervisor/workflow/sdk"
)

// protectedBranches is the hard-coded refusal set for push_branch. Checked
// before any git invocation.
var protectedBranches = map[string]bool{
	"main":       true,
	"master":     true,
	"develop":    true,
	"production": true,
}

func isProtectedBranch(branch string) bool {
	if protectedBranches[branch] {
		return true
	}
	if rest, ok := strings.CutPrefix(branch, "origin/"); ok {
		return protectedBranches[rest]
	}
	return false
}

// actionGitOperations dispatches one repository operation named by
// config.operation.
func actionGitOperations(ctx context.Context, node *sdk.Node, _ *execution.Context, eng registry.Engine) (map[string]any, error) {
	git, err := gitOf(eng)
	if err != nil {
		return nil, err
	}
	operation, err := requireString(node.Config, "operation")
	if err != nil {
		return nil, err
	}
	path, err := requireString(node.Config, "path")
	if err != nil {
		return nil, err
	}

	switch operation {
	case "current_branch":
		branch, err := git.CurrentBranch(ctx, path)
		if err != nil {
			return nil, err
		}
		return map[string]any{"branch": branch}, nil

	case "has_changes":
		dirty, err := git.HasPendingChanges(ctx, path)
		if err != nil {
			return nil, err
		}
		return map[string]any{"hasChanges": dirty}, nil

	case "checkout":
		branch, err := requireString(node.Config, "branch")
		if err != nil {
			return nil, err
		}
		if err := git.Checkout(ctx, path, branch); err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "branch": branch}, nil

	case "create_branch":
		branch, err := requireString(node.Config, "branch")
		if err != nil {
			return nil, err
		}
		if err := git.CreateBranch(ctx, path, branch); err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "branch": branch}, nil

	default:
		return nil, fmt.Errorf("unknown git operation: %s", operation)
	}
}

// actionDetectNewCommits reports commits on a branch since a reference.
func actionDetectNewCommits(ctx context.Context, node *sdk.Node, _ *execution.Context, eng registry.Engine) (map[string]any, error) {
	git, err := gitOf(eng)
	if err != nil {
		return nil, err
	}
	path, err := requireString(node.Config, "path")
	if err != nil {
		return nil, err
	}
	sinceRef := getStringDefault(node.Config, "sinceRef", "origin/main")

	commits, err := git.NewCommits(ctx, path, sinceRef)
	if err != nil {
		return nil, err
	}

	list := make([]any, 0, len(commits))
	for _, c := range commits {
		list = append(list, c)
	}
	return map[string]any{
		"commits": list,
		"count":   len(commits),
		"hasNew":  len(commits) > 0,
	}, nil
}

// actionPushBranch pushes a branch, refusing protected targets outright.
// The refusal happens before any git call and reports through the output
// rather than an error so workflows can branch on it.
func actionPushBranch(ctx context.Context, node *sdk.Node, _ *execution.Context, eng registry.Engine) (map[string]any, error) {
	branch, err := requireString(node.Config, "branch")
	if err != nil {
		return nil, err
	}

	if isProtectedBranch(branch) {
		return map[string]any{
			"success": false,
			"pushed":  false,
			"error":   fmt.Sprintf("Protected branch %q refused", branch),
		}, nil
	}

	git, err := gitOf(eng)
	if err != nil {
		return nil, err
	}
	path, err := requireString(node.Config, "worktreePath")
	if err != nil {
		return nil, err
	}
	if err := git.Push(ctx, path, branch); err != nil {
		return nil, err
	}

	return map[string]any{
		"success": true,
		"pushed":  true,
		"branch":  branch,
	}, nil
}

// actionAcquireWorktree checks out a working copy for a branch.
func actionAcquireWorktree(ctx context.Context, node *sdk.Node, _ *execution.Context, eng registry.Engine) (map[string]any, error) {
	pool, err := worktreesOf(eng)
	if err != nil {
		return nil, err
	}
	branch, err := requireString(node.Config, "branch")
	if err != nil {
		return nil, err
	}

	wt, err := pool.Acquire(ctx, branch)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"path":   wt.Path,
		"branch": wt.Branch,
	}, nil
}

// actionReleaseWorktree returns a working copy to the pool.
func actionReleaseWorktree(ctx context.Context, node *sdk.Node, _ *execution.Context, eng registry.Engine) (map[string]any, error) {
	pool, err := worktreesOf(eng)
	if err != nil {
		return nil, err
	}
	path, err := requireString(node.Config, "path")
	if err != nil {
		return nil, err
	}
	if err := pool.Release(ctx, path); err != nil {
		return nil, err
	}
	return map[string]any{"released": true, "path": path}, nil
}
