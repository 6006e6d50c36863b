// Package gitsource keeps a local checkout of the repository holding the
// application shell assets.
package gitsource

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-git/go-git/v5"
)

// shortHashLen is the length of the abbreviated commit hash used as a
// cache version tag.
const shortHashLen = 12

// Sync clones the repository at url into localPath if it isn't there yet,
// or pulls the latest changes if it is. It returns the abbreviated hash of
// the checked-out HEAD.
func Sync(url, localPath string) (string, error) {
	_, err := os.Stat(localPath)
	if os.IsNotExist(err) {
		slog.Info("Cloning asset repository", "url", url, "path", localPath)
		if _, err := git.PlainClone(localPath, false, &git.CloneOptions{URL: url}); err != nil {
			return "", fmt.Errorf("failed to clone repo %s: %w", url, err)
		}
	} else if err == nil {
		slog.Info("Pulling asset repository", "path", localPath)
		repo, err := git.PlainOpen(localPath)
		if err != nil {
			return "", fmt.Errorf("failed to open existing repo at %s: %w", localPath, err)
		}
		worktree, err := repo.Worktree()
		if err != nil {
			return "", fmt.Errorf("failed to get worktree for repo at %s: %w", localPath, err)
		}
		err = worktree.Pull(&git.PullOptions{RemoteName: "origin"})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			return "", fmt.Errorf("failed to pull changes for repo at %s: %w", localPath, err)
		}
	} else {
		return "", fmt.Errorf("error checking path %s: %w", localPath, err)
	}
	return Head(localPath)
}

// Head returns the abbreviated hash of the commit checked out at localPath.
func Head(localPath string) (string, error) {
	repo, err := git.PlainOpen(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open repo at %s: %w", localPath, err)
	}
	ref, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD at %s: %w", localPath, err)
	}
	hash := ref.Hash().String()
	if len(hash) > shortHashLen {
		hash = hash[:shortHashLen]
	}
	return hash, nil
}
