package server

import (
	"io"
	"os"
)

// Driver is the interface that must be implemented by an FTP driver.
// It authenticates users and provides a session-specific ClientContext for
// file operations.
//
// To implement a custom backend (e.g., S3, Database, Memory), implement this
// interface and pass it with WithDriver.
type Driver interface {
	// Authenticate validates the user and password.
	//
	// Returns:
	//   - ClientContext: A session-specific context for file operations
	//   - error: Authentication error (use os.ErrPermission for invalid credentials)
	Authenticate(user, pass string) (ClientContext, error)
}

// ClientContext handles file operations for one client session.
//
// The session tracks the current directory itself, so every path passed to a
// ClientContext is absolute within the user's virtual root and uses forward
// slashes.
//
// Error handling:
//   - Return os.ErrNotExist when files/directories don't exist
//   - Return os.ErrPermission for permission denied errors
//   - The server will translate these to appropriate FTP response codes
//
// Methods may be called from the control loop and from data transfer
// goroutines at the same time.
type ClientContext interface {
	// OpenFile opens a file for reading or writing.
	// The flag parameter uses os.O_* constants.
	OpenFile(path string, flag int) (io.ReadWriteCloser, error)

	// GetFileInfo returns file or directory metadata.
	GetFileInfo(path string) (os.FileInfo, error)

	// Close releases any resources associated with this context.
	// Called when the client disconnects.
	Close() error
}
