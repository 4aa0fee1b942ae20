// Package container runs the face model service as a Docker sidecar.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	detectorName    = "replyhelper-detector"
	detectorPort    = "50051"
	modelsMountPath = "/models"
	stopTimeoutSecs = 10

	// Resource limits.
	memoryLimitBytes = 1024 * 1024 * 1024 // 1GB
	cpuQuota         = 100000             // 1 CPU
	pidsLimit        = 128

	detectorNetwork = "replyhelper-detector"
	detectorSubnet  = "172.29.0.0/16"

	createRetryAttempts = 20
	createRetryDelay    = 250 * time.Millisecond
)

// DetectorSpec describes the sidecar to run.
type DetectorSpec struct {
	Image     string
	Runtime   string // "" = default (runc), "runsc" = gVisor
	ModelsDir string // host directory mounted read-only at /models
	Env       map[string]string
	// PublishPort exposes the gRPC port on 127.0.0.1 for a server running
	// outside Docker; the returned address is then host-local.
	PublishPort bool
}

func (s DetectorSpec) addr() string {
	if s.PublishPort {
		return "127.0.0.1:" + detectorPort
	}
	return detectorName + ":" + detectorPort
}

// Manager defines the interface for managing the detector sidecar.
type Manager interface {
	// EnsureDetector ensures the sidecar is running and returns its gRPC address.
	EnsureDetector(ctx context.Context, spec DetectorSpec) (id, addr string, err error)

	// StopDetector stops and removes a container. It is idempotent.
	StopDetector(ctx context.Context, containerID string) error

	// IsRunning checks if a container is currently running.
	IsRunning(ctx context.Context, containerID string) (bool, error)

	// EnsureNetwork creates the sidecar bridge network if it doesn't exist.
	EnsureNetwork(ctx context.Context) (string, error)
}

// dockerAPI is the subset of the Docker client the manager uses.
type dockerAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	NetworkList(ctx context.Context, options network.ListOptions) ([]network.Summary, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
}

// DockerManager implements Manager using the Docker API.
type DockerManager struct {
	cli dockerAPI
}

// NewDockerManager creates a new Docker-backed sidecar manager.
func NewDockerManager() (*DockerManager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	slog.Info("Docker client initialized")
	return &DockerManager{cli: cli}, nil
}

// EnsureDetector reuses a running sidecar, restarts a stopped one, or creates it.
func (m *DockerManager) EnsureDetector(ctx context.Context, spec DetectorSpec) (string, string, error) {
	if spec.Image == "" {
		return "", "", errors.New("detector image is required")
	}
	addr := spec.addr()

	inspect, err := m.cli.ContainerInspect(ctx, detectorName)
	switch {
	case err == nil && inspect.Config != nil && inspect.Config.Image != spec.Image:
		slog.Info("Detector image changed, recreating", "container_id", inspect.ID, "image", spec.Image)
		if err := m.StopDetector(ctx, inspect.ID); err != nil {
			slog.Warn("Failed to stop outdated detector", "error", err, "container_id", inspect.ID)
		}
	case err == nil && inspect.State != nil && inspect.State.Running:
		slog.Info("Detector already running", "container_id", inspect.ID)
		return inspect.ID, addr, nil
	case err == nil:
		slog.Info("Restarting stopped detector", "container_id", inspect.ID)
		if err := m.cli.ContainerStart(ctx, inspect.ID, container.StartOptions{}); err != nil {
			return "", "", fmt.Errorf("restart detector %s: %w", inspect.ID, err)
		}
		return inspect.ID, addr, nil
	case !errdefs.IsNotFound(err):
		return "", "", fmt.Errorf("inspect detector: %w", err)
	}

	id, err := m.create(ctx, spec)
	if err != nil {
		return "", "", err
	}
	return id, addr, nil
}

func (m *DockerManager) create(ctx context.Context, spec DetectorSpec) (string, error) {
	modelsDir, err := filepath.Abs(spec.ModelsDir)
	if err != nil {
		return "", fmt.Errorf("resolve models dir %q: %w", spec.ModelsDir, err)
	}

	slog.Info("Creating detector container", "image", spec.Image, "models_dir", modelsDir)

	envVars := make([]string, 0, len(spec.Env)+1)
	envVars = append(envVars, "PORT="+detectorPort)
	for k, v := range spec.Env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
	}

	port := nat.Port(detectorPort + "/tcp")
	config := &container.Config{
		Image:        spec.Image,
		Env:          envVars,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}

	hostConfig := &container.HostConfig{
		Runtime:     spec.Runtime,
		NetworkMode: container.NetworkMode(detectorNetwork),
		Mounts: []mount.Mount{{
			Type:     mount.TypeBind,
			Source:   modelsDir,
			Target:   modelsMountPath,
			ReadOnly: true,
		}},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	if spec.PublishPort {
		hostConfig.PortBindings = nat.PortMap{port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: detectorPort}}}
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = m.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, detectorName)
		if createErr == nil {
			break
		}

		if !errdefs.IsConflict(createErr) && !strings.Contains(strings.ToLower(createErr.Error()), "is already in use") {
			return "", fmt.Errorf("create detector: %w", createErr)
		}

		// A delayed removal can leave the old named container briefly.
		slog.Warn("Detector name conflict during create, retrying", "attempt", i+1, "error", createErr)
		if inspect, inspectErr := m.cli.ContainerInspect(ctx, detectorName); inspectErr == nil {
			if stopErr := m.StopDetector(ctx, inspect.ID); stopErr != nil {
				slog.Warn("Failed to stop conflicting detector before retry", "container_id", inspect.ID, "error", stopErr)
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("create detector after retries: %w", createErr)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			slog.Warn("Failed to remove detector after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start detector %s: %w", resp.ID, err)
	}

	slog.Info("Detector created and started", "container_id", resp.ID)
	return resp.ID, nil
}

// StopDetector stops and removes a container.
func (m *DockerManager) StopDetector(ctx context.Context, containerID string) error {
	slog.Info("Stopping detector", "container_id", containerID)

	if _, err := m.cli.ContainerInspect(ctx, containerID); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Detector already removed", "container_id", containerID)
			return nil
		}
		return fmt.Errorf("inspect container %s: %w", containerID, err)
	}

	timeout := stopTimeoutSecs
	if err := m.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
		slog.Debug("Detector stop returned error, continuing to remove", "container_id", containerID, "error", err)
	}

	if err := m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		if ctx.Err() != nil {
			slog.Debug("Context canceled during remove, detector may still be removed", "container_id", containerID, "error", err)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}

	slog.Info("Detector stopped and removed", "container_id", containerID)
	return nil
}

// IsRunning checks if a container is currently running.
func (m *DockerManager) IsRunning(ctx context.Context, containerID string) (bool, error) {
	inspect, err := m.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect container %s: %w", containerID, err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

// EnsureNetwork creates the sidecar bridge network if it doesn't exist.
func (m *DockerManager) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := m.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}

	for _, nw := range networks {
		if nw.Name == detectorNetwork {
			slog.Info("Detector network already exists", "network_id", nw.ID)
			return nw.ID, nil
		}
	}

	createResp, err := m.cli.NetworkCreate(ctx, detectorNetwork, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: detectorSubnet}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", detectorNetwork, err)
	}

	slog.Info("Detector network created", "network_id", createResp.ID, "subnet", detectorSubnet)
	return createResp.ID, nil
}

func ptr[T any](v T) *T {
	return &v
}
