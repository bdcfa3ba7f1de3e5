//go:build !unix

package server

import (
	"context"
	"net"
)

func listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{}
	return lc.Listen(ctx, "tcp", addr)
}
