package configs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/szaher/designs/envsandbox/internal/paths"
)

// maxConcurrentChecks bounds ValidateAll's parallelism.
const maxConcurrentChecks = 8

// ErrConfigPermission is a fatal startup error: a plugin's config file exists
// but the host cannot both read and write it.
type ErrConfigPermission struct {
	Plugin string
	Path   string
	Reason string
	Err    error
}

func (e *ErrConfigPermission) Error() string {
	msg := fmt.Sprintf("config file %s of plugin %s must be readable and writable by the host: %s", e.Path, e.Plugin, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ErrConfigPermission) Unwrap() error { return e.Err }

// ValidatePermissions checks the config file of the plugin at root. A missing
// file is fine.
func ValidatePermissions(root paths.PluginRoot) error {
	path := root.ConfigPath()
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return &ErrConfigPermission{Plugin: root.ID, Path: path, Reason: "cannot stat file", Err: err}
	}
	if !info.Mode().IsRegular() {
		return &ErrConfigPermission{Plugin: root.ID, Path: path, Reason: "not a regular file"}
	}

	perm := info.Mode().Perm()
	switch {
	case perm&0o600 == 0:
		return &ErrConfigPermission{Plugin: root.ID, Path: path, Reason: "owner read and write permission missing"}
	case perm&0o400 == 0:
		return &ErrConfigPermission{Plugin: root.ID, Path: path, Reason: "owner read permission missing"}
	case perm&0o200 == 0:
		return &ErrConfigPermission{Plugin: root.ID, Path: path, Reason: "owner write permission missing"}
	}
	if err := checkAccess(path, true); err != nil {
		return &ErrConfigPermission{Plugin: root.ID, Path: path, Reason: "access denied", Err: err}
	}
	return nil
}

// ValidateAll validates every plugin concurrently and reports every failure.
func ValidateAll(ctx context.Context, roots []paths.PluginRoot) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentChecks)

	var (
		mu   sync.Mutex
		errs = make([]error, len(roots))
	)
	for i, root := range roots {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := ValidatePermissions(root); err != nil {
				mu.Lock()
				errs[i] = err
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return errors.Join(errs...)
}
