package container

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

const (
	labelManaged = "CRAFTEngine"
	labelService = "Service"
)

// DockerEngine runs service instances as Docker containers, via the same
// client library the original talked to its local docker daemon with
// (docker-py there, github.com/docker/docker's client here).
type DockerEngine struct {
	cli     *client.Client
	project string
}

// NewDockerEngine connects to the local Docker daemon using the standard
// DOCKER_HOST/DOCKER_* environment, mirroring docker-py's from_env().
func NewDockerEngine(project string) (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("container: connect to docker: %w", err)
	}
	return &DockerEngine{cli: cli, project: project}, nil
}

func (e *DockerEngine) name(spec Spec) string {
	return ContainerName(e.project, spec.Node, spec.Name, spec.Instance)
}

// Start creates and starts spec's container, optionally removing a prior
// container under the same name first (service.py's Service._start).
func (e *DockerEngine) Start(ctx context.Context, spec Spec, force, remove bool) error {
	name := e.name(spec)

	if remove {
		_ = e.cli.ContainerRemove(ctx, name, types.ContainerRemoveOptions{Force: force})
	}

	env := []string{
		"CE_TOKEN=" + spec.Token,
		"CE_NAME=" + spec.Name,
		"CE_NODE=" + spec.Node,
		fmt.Sprintf("CE_INSTANCE=%d", spec.Instance),
	}

	resp, err := e.cli.ContainerCreate(ctx,
		&container.Config{
			Image: spec.Image,
			Env:   env,
			Labels: map[string]string{
				labelManaged: "True",
				labelService: spec.Name,
			},
		},
		&container.HostConfig{},
		nil, nil, name,
	)
	if err != nil {
		return fmt.Errorf("container: create %s: %w", name, err)
	}

	if err := e.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("container: start %s: %w", name, err)
	}
	return nil
}

// Stop stops the container for (node, name, instance) with a short grace
// period, matching service.py's Service.stop timeout=1. node must be the
// same value Start was called with, since it's part of the container name.
func (e *DockerEngine) Stop(ctx context.Context, node, name string, instance int64) error {
	cname := ContainerName(e.project, node, name, instance)
	timeout := 1
	if err := e.cli.ContainerStop(ctx, cname, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("container: stop %s: %w", cname, err)
	}
	return nil
}

// Remove force-removes the container for (node, name, instance).
func (e *DockerEngine) Remove(ctx context.Context, node, name string, instance int64) error {
	cname := ContainerName(e.project, node, name, instance)
	if err := e.cli.ContainerRemove(ctx, cname, types.ContainerRemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("container: remove %s: %w", cname, err)
	}
	return nil
}

// Count lists containers labeled for the given service (service.py's Scale
// querying docker.containers(filters=...)).
func (e *DockerEngine) Count(ctx context.Context, name string) (int, error) {
	f := filters.NewArgs()
	f.Add("label", labelManaged+"=True")
	f.Add("label", labelService+"="+name)

	list, err := e.cli.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: f})
	if err != nil {
		return 0, fmt.Errorf("container: list %s: %w", name, err)
	}
	return len(list), nil
}

var _ Engine = (*DockerEngine)(nil)
