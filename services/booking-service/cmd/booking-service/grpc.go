package main

import (
	"context"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/md-rashed-zaman/clinicbook/libs/db"
	"github.com/md-rashed-zaman/clinicbook/libs/grpcx"
)

// startGrpcServer serves the standard health service. Its status follows the
// database ping so orchestrators see the same thing as /readyz.
func startGrpcServer(ctx context.Context, logger *slog.Logger, port string, pool *db.Pool) error {
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return err
	}

	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			grpcx.UnaryServerRecoveryInterceptor(logger),
			grpcx.UnaryServerRequestIDInterceptor(),
			grpcx.UnaryServerAccessLogInterceptor(logger),
		),
		grpc.ChainStreamInterceptor(grpcx.StreamServerRequestIDInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	go func() {
		logger.Info("grpc server starting", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil {
			logger.Error("grpc server error", "err", err)
		}
	}()

	go func() {
		check := db.ReadyCheck(pool)
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			status := healthpb.HealthCheckResponse_SERVING
			if err := check(pctx); err != nil {
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
			cancel()
			hs.SetServingStatus("", status)

			select {
			case <-ctx.Done():
				hs.Shutdown()
				srv.GracefulStop()
				return
			case <-ticker.C:
			}
		}
	}()

	return nil
}
