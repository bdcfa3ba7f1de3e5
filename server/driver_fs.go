package server

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// FSDriver implements Driver using the local filesystem.
//
// All file operations are confined to the user's root directory through
// os.Root, so path traversal (../) and symlinks cannot escape it.
//
// Default behavior (no options):
//   - Allows anonymous login ("ftp" or "anonymous" users only)
//   - Anonymous users have read-only access
type FSDriver struct {
	rootPath string

	// authenticator, if set, validates credentials and returns the user's
	// root path and whether the user is read-only.
	authenticator func(user, pass string) (string, bool, error)

	disableAnonymous bool
	enableAnonWrite  bool
}

// FSDriverOption is a functional option for configuring an FSDriver.
type FSDriverOption func(*FSDriver)

// NewFSDriver creates a new filesystem driver serving rootPath.
// Returns an error if the root path does not exist or is not a directory.
//
// With custom authentication:
//
//	driver, err := server.NewFSDriver("/srv/ftp",
//	    server.WithAuthenticator(func(user, pass string) (string, bool, error) {
//	        if user == "upload" && pass == "secret" {
//	            return "/srv/ftp/incoming", false, nil
//	        }
//	        return "", false, os.ErrPermission
//	    }))
func NewFSDriver(rootPath string, options ...FSDriverOption) (*FSDriver, error) {
	info, err := os.Stat(rootPath)
	if err != nil {
		return nil, fmt.Errorf("root path validation failed: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root path is not a directory: %s", rootPath)
	}

	rootPath, err = filepath.EvalSymlinks(rootPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root path: %w", err)
	}

	d := &FSDriver{rootPath: rootPath}
	for _, opt := range options {
		opt(d)
	}
	return d, nil
}

// WithAuthenticator sets a custom authentication function returning the
// user's root directory and whether the user is read-only. Returning an error
// rejects the login.
func WithAuthenticator(fn func(user, pass string) (string, bool, error)) FSDriverOption {
	return func(d *FSDriver) {
		d.authenticator = fn
	}
}

// WithDisableAnonymous disables anonymous login. It only matters when no
// authenticator is set.
func WithDisableAnonymous(disable bool) FSDriverOption {
	return func(d *FSDriver) {
		d.disableAnonymous = disable
	}
}

// WithAnonWrite enables write access for anonymous users.
// Default is false (read-only).
func WithAnonWrite(enable bool) FSDriverOption {
	return func(d *FSDriver) {
		d.enableAnonWrite = enable
	}
}

// Authenticate returns a new ClientContext for the user.
func (d *FSDriver) Authenticate(user, pass string) (ClientContext, error) {
	rootPath := d.rootPath
	readOnly := false

	if d.authenticator != nil {
		var err error
		rootPath, readOnly, err = d.authenticator(user, pass)
		if err != nil {
			return nil, err
		}
	} else {
		if d.disableAnonymous {
			return nil, errors.New("anonymous login disabled")
		}
		if user != "ftp" && user != "anonymous" {
			return nil, errors.New("only anonymous login allowed")
		}
		readOnly = !d.enableAnonWrite
	}

	root, err := os.OpenRoot(rootPath)
	if err != nil {
		return nil, err
	}
	return &fsContext{root: root, readOnly: readOnly}, nil
}

// fsContext implements ClientContext for the local filesystem.
type fsContext struct {
	root     *os.Root
	readOnly bool
}

func (c *fsContext) Close() error {
	return c.root.Close()
}

// resolve maps an absolute virtual path to a path relative to the root.
func (c *fsContext) resolve(p string) (string, error) {
	if !strings.HasPrefix(p, "/") {
		return "", errors.New("invalid path")
	}
	rel := strings.TrimPrefix(path.Clean(p), "/")
	if rel == "" {
		rel = "."
	}
	return rel, nil
}

// OpenFile opens a file for transfer (reading or writing).
func (c *fsContext) OpenFile(p string, flag int) (io.ReadWriteCloser, error) {
	if c.readOnly && flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, os.ErrPermission
	}
	rel, err := c.resolve(p)
	if err != nil {
		return nil, err
	}
	return c.root.OpenFile(rel, flag, 0644)
}

// GetFileInfo returns status information for a file or directory.
func (c *fsContext) GetFileInfo(p string) (os.FileInfo, error) {
	rel, err := c.resolve(p)
	if err != nil {
		return nil, err
	}
	return c.root.Stat(rel)
}
