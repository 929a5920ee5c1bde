package server

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc"
)

// GRPCService serves srv on addr until stopped. Stop waits for in-flight
// RPCs and forces the server closed when ctx expires.
func GRPCService(srv *grpc.Server, addr string) Service {
	return &FuncService{
		StartFn: func() error {
			lis, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listening on %s: %w", addr, err)
			}
			if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server %s: %w", addr, err)
			}
			return nil
		},
		StopFn: func(ctx context.Context) error {
			done := make(chan struct{})
			go func() {
				srv.GracefulStop()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				srv.Stop()
				return ctx.Err()
			}
		},
	}
}
