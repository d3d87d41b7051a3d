package executor

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/runbox/runbox/internal/common/errors"
)

// artifactsPath is where generated artifacts live inside the container.
const artifactsPath = "/artifacts"

// ListArtifacts returns the names of regular files in the container's
// artifacts directory, sorted. Dotfiles are not artifacts and are skipped.
// A missing directory yields an empty list.
func (e *Engine) ListArtifacts(ctx context.Context, userID string) ([]string, error) {
	command := fmt.Sprintf(`find %s/ -maxdepth 1 -type f -printf '%%f\n'`, artifactsPath)

	res, err := e.run(ctx, userID, command, nil)
	if err != nil {
		return nil, apperrors.Wrap(err, "list artifacts failed")
	}
	if res.ExitCode != 0 {
		if strings.Contains(res.Stderr, "No such file or directory") {
			return []string{}, nil
		}
		return nil, apperrors.InternalError(
			fmt.Sprintf("failed to list artifacts: %s", strings.TrimSpace(res.Stderr)), nil)
	}

	names := make([]string, 0)
	for _, line := range strings.Split(res.Stdout, "\n") {
		name := strings.TrimSpace(line)
		if name == "" || strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// GetArtifact returns the raw bytes of a named artifact from the container.
// The name must be a bare file name; anything that could escape the artifacts
// directory is rejected before touching the container.
func (e *Engine) GetArtifact(ctx context.Context, userID, name string) ([]byte, error) {
	if err := validateArtifactName(name); err != nil {
		return nil, err
	}
	quoted := shellQuote(artifactsPath + "/" + name)

	res, err := e.run(ctx, userID, fmt.Sprintf("test -f %s && echo 'exists'", quoted), nil)
	if err != nil {
		return nil, apperrors.Wrap(err, "artifact lookup failed")
	}
	if res.ExitCode != 0 || !strings.Contains(res.Stdout, "exists") {
		return nil, apperrors.FileNotFound(name)
	}

	res, err = e.run(ctx, userID, fmt.Sprintf("wc -c < %s", quoted), nil)
	if err != nil {
		return nil, apperrors.Wrap(err, "artifact size check failed")
	}
	size, parseErr := strconv.ParseInt(strings.TrimSpace(res.Stdout), 10, 64)
	if res.ExitCode != 0 || parseErr != nil {
		return nil, apperrors.InternalError(
			fmt.Sprintf("failed to size artifact %s: %s", name, strings.TrimSpace(res.Stderr)), parseErr)
	}
	if size > e.cfg.ArtifactSizeLimit {
		return nil, apperrors.ArtifactTooLarge(name, size, e.cfg.ArtifactSizeLimit)
	}

	// base64 through the exec stream keeps binary content intact.
	res, err = e.run(ctx, userID, fmt.Sprintf("base64 -w 0 %s", quoted), nil)
	if err != nil {
		return nil, apperrors.Wrap(err, "artifact read failed")
	}
	if res.ExitCode != 0 {
		return nil, apperrors.InternalError(
			fmt.Sprintf("failed to read artifact %s: %s", name, strings.TrimSpace(res.Stderr)), nil)
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(res.Stdout))
	if err != nil {
		return nil, apperrors.InternalError(
			fmt.Sprintf("failed to decode artifact %s", name), err)
	}

	e.logger.Debug("Fetched artifact",
		zap.String("user_id", userID),
		zap.String("name", name),
		zap.Int64("size", size))

	return data, nil
}

func validateArtifactName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return apperrors.PathViolation(name)
	}
	return nil
}
