package runtime

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/rs/zerolog/log"
)

// DockerRuntime runs each worker as a container on the local docker daemon.
type DockerRuntime struct {
	docker  *client.Client
	image   string
	network string
}

func NewDockerRuntime(image, network string) (*DockerRuntime, error) {
	docker, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerRuntime{
		docker:  docker,
		image:   image,
		network: network,
	}, nil
}

func (r *DockerRuntime) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	name := WorkerName(spec.AccountID)

	// A container with this name may be left over from a previous run or a
	// crash. Respawn is defined as replace, so remove it unconditionally.
	if err := r.docker.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err == nil {
		log.Info().Str("container", name).Msg("removed existing worker container before respawn")
	}

	if err := os.MkdirAll(spec.SessionDir, 0o755); err != nil {
		return Handle{}, fmt.Errorf("failed to create session directory: %w", err)
	}

	internal := nat.Port(fmt.Sprintf("%d/tcp", spec.InternalPort))

	env := []string{
		fmt.Sprintf("ACCOUNT_ID=%s", spec.AccountID),
		fmt.Sprintf("PORT=%d", spec.InternalPort),
	}
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	containerConfig := &container.Config{
		Image: r.image,
		Env:   env,
		ExposedPorts: nat.PortSet{
			internal: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(r.network),
		PortBindings: nat.PortMap{
			internal: []nat.PortBinding{
				{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.HostPort)},
			},
		},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: spec.SessionDir,
				Target: "/app/wa-session",
			},
		},
		Resources: container.Resources{
			// Chromium under load runs out of the default descriptor limit
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: 65536, Hard: 65536},
			},
		},
	}

	log.Info().
		Str("container", name).
		Str("image", r.image).
		Int("host_port", spec.HostPort).
		Msg("creating worker container")

	resp, err := r.docker.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return Handle{}, fmt.Errorf("failed to create container: %w", err)
	}

	if err := r.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Cleanup on failure
		_ = r.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return Handle{}, fmt.Errorf("failed to start container: %w", err)
	}

	log.Info().
		Str("container", name).
		Str("container_id", resp.ID[:12]).
		Msg("worker container started")

	return Handle{ID: resp.ID, Name: name}, nil
}

func (r *DockerRuntime) Stop(ctx context.Context, handle Handle, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := r.docker.ContainerStop(ctx, handle.ID, container.StopOptions{Timeout: &seconds}); err != nil {
		log.Warn().Err(err).Str("container", handle.Name).Msg("failed to stop worker container gracefully")
		return err
	}
	return nil
}

func (r *DockerRuntime) Kill(ctx context.Context, handle Handle) error {
	ref := handle.ID
	if ref == "" {
		ref = handle.Name
	}
	if err := r.docker.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", handle.Name, err)
	}
	return nil
}

func (r *DockerRuntime) IsAlive(ctx context.Context, handle Handle) (bool, error) {
	ref := handle.ID
	if ref == "" {
		ref = handle.Name
	}
	inspect, err := r.docker.ContainerInspect(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return inspect.State != nil && inspect.State.Running, nil
}
