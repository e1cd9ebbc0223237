package handler

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ProfileServiceName is the service name reported to health checkers.
const ProfileServiceName = "profilestore.ProfileService"

// HealthHandler reports whether the process accepts profile traffic. It goes
// NOT_SERVING as soon as shutdown begins so load balancers drain the node
// before the final flush.
type HealthHandler struct {
	server *health.Server
}

func NewHealthHandler() *HealthHandler {
	return &HealthHandler{server: health.NewServer()}
}

func (h *HealthHandler) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

func (h *HealthHandler) SetServing() {
	h.server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.server.SetServingStatus(ProfileServiceName, healthpb.HealthCheckResponse_SERVING)
}

func (h *HealthHandler) SetNotServing() {
	h.server.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	h.server.SetServingStatus(ProfileServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
}

// Shutdown marks every service NOT_SERVING and ignores later updates.
func (h *HealthHandler) Shutdown() {
	h.server.Shutdown()
}
