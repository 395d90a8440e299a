// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package containerization

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"videofleet/src/driver"
	"videofleet/src/logging"
)

const workerLabel = "videofleet.worker"

type Options struct {
	Image      string
	Prefix     string
	NetworkID  string
	AppURL     string
	MemoryMB   int64
	CPULimit   float64
	Entrypoint string
}

// DockerDriver runs one long-lived automation container per worker profile.
// The browser profile lives in a named volume so it survives container
// replacement.
type DockerDriver struct {
	cli  client.APIClient
	opts Options
}

func NewDockerDriver(cli client.APIClient, opts Options) *DockerDriver {
	if opts.Entrypoint == "" {
		opts.Entrypoint = "automation"
	}
	if opts.Prefix == "" {
		opts.Prefix = "videofleet-worker-"
	}
	return &DockerDriver{cli: cli, opts: opts}
}

type containerSession struct {
	workerID    string
	containerID string
}

func (s *containerSession) WorkerID() string { return s.workerID }

func (d *DockerDriver) containerName(workerID string) string {
	return d.opts.Prefix + workerID
}

func (d *DockerDriver) session(s driver.Session) (*containerSession, error) {
	cs, ok := s.(*containerSession)
	if !ok || cs == nil {
		return nil, fmt.Errorf("%w: foreign session handle", driver.ErrSessionNotFound)
	}
	return cs, nil
}

// classifyState maps a container state onto an open outcome.
func classifyState(status string) (driver.OpenOutcome, error) {
	switch status {
	case "running":
		return driver.Reattached, nil
	case "created", "exited", "dead":
		return driver.Stale, nil
	default:
		return driver.Stale, fmt.Errorf("%w: container is %s", driver.ErrSessionBusy, status)
	}
}

// classifyErr turns docker API errors into driver sentinels.
func classifyErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%w: %v", driver.ErrSessionNotFound, err)
	case errdefs.IsConflict(err):
		return fmt.Errorf("%w: %v", driver.ErrSessionBusy, err)
	}
	return err
}

func (d *DockerDriver) inspectState(ctx context.Context, workerID string) (string, string, error) {
	inspect, err := d.cli.ContainerInspect(ctx, d.containerName(workerID))
	if err != nil {
		return "", "", err
	}
	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		return "", "", fmt.Errorf("%w: inspect returned no state", driver.ErrSessionBusy)
	}
	return inspect.ID, inspect.State.Status, nil
}

func (d *DockerDriver) Open(ctx context.Context, workerID string) (driver.Session, driver.OpenOutcome, error) {
	id, status, err := d.inspectState(ctx, workerID)
	switch {
	case err == nil:
		outcome, err := classifyState(status)
		if err != nil {
			return nil, outcome, err
		}
		if outcome == driver.Stale {
			return nil, driver.Stale, nil
		}
		return &containerSession{workerID: workerID, containerID: id}, driver.Reattached, nil
	case !errdefs.IsNotFound(err):
		return nil, driver.Stale, classifyErr(err)
	}

	id, err = d.create(ctx, workerID)
	if err != nil {
		return nil, driver.Opened, classifyErr(err)
	}
	logging.Log(fmt.Sprintf("Started automation container %s for worker %s", shortID(id), workerID), slog.LevelInfo)
	return &containerSession{workerID: workerID, containerID: id}, driver.Opened, nil
}

func (d *DockerDriver) create(ctx context.Context, workerID string) (string, error) {
	var netCfg *network.NetworkingConfig
	if d.opts.NetworkID != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				sandboxNetworkName: {NetworkID: d.opts.NetworkID},
			},
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:  d.opts.Image,
		Env:    []string{"APP_URL=" + d.opts.AppURL, "WORKER_ID=" + workerID},
		Labels: map[string]string{workerLabel: workerID},
		Tty:    false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:   d.opts.MemoryMB * 1024 * 1024,
			NanoCPUs: int64(d.opts.CPULimit * math.Pow10(9)),
		},
		Binds:   []string{d.containerName(workerID) + "-profile:/profile"},
		ShmSize: 1 << 30,
	}, netCfg, nil, d.containerName(workerID))
	if err != nil {
		return "", err
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", err
	}
	return resp.ID, nil
}

func (d *DockerDriver) Attach(ctx context.Context, workerID string) (driver.Session, error) {
	id, status, err := d.inspectState(ctx, workerID)
	if err != nil {
		return nil, classifyErr(err)
	}
	if status != "running" {
		return nil, fmt.Errorf("%w: container is %s", driver.ErrSessionNotFound, status)
	}
	return &containerSession{workerID: workerID, containerID: id}, nil
}

func (d *DockerDriver) ForceClose(ctx context.Context, workerID string) error {
	err := d.cli.ContainerRemove(ctx, d.containerName(workerID), container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return classifyErr(err)
	}
	return nil
}

func (d *DockerDriver) Close(ctx context.Context, s driver.Session) error {
	cs, err := d.session(s)
	if err != nil {
		return err
	}
	err = d.cli.ContainerRemove(ctx, cs.containerID, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return classifyErr(err)
	}
	return nil
}

func (d *DockerDriver) Alive(ctx context.Context, s driver.Session) (bool, error) {
	cs, err := d.session(s)
	if err != nil {
		return false, err
	}
	inspect, err := d.cli.ContainerInspect(ctx, cs.containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return inspect.ContainerJSONBase != nil && inspect.State != nil && inspect.State.Running, nil
}

// Candidates lists worker ids of every automation container this host
// knows about, running or not.
func (d *DockerDriver) Candidates(ctx context.Context) ([]string, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", workerLabel)),
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(list))
	for _, c := range list {
		if id := c.Labels[workerLabel]; id != "" {
			out = append(out, id)
		}
	}
	return out, nil
}

func (d *DockerDriver) CheckLoggedIn(ctx context.Context, s driver.Session) (bool, error) {
	res, err := d.run(ctx, s, "check-login", struct{}{}, nil)
	if err != nil {
		return false, err
	}
	return res.LoggedIn != nil && *res.LoggedIn, nil
}

func (d *DockerDriver) Login(ctx context.Context, s driver.Session, c driver.Credentials) (bool, error) {
	res, err := d.run(ctx, s, "login", c, nil)
	if err != nil {
		return false, err
	}
	if res.Error != "" {
		logging.Log(fmt.Sprintf("Login for worker %s failed: %s", s.WorkerID(), res.Error), slog.LevelWarn)
	}
	return res.Success != nil && *res.Success, nil
}

func (d *DockerDriver) NavigateToApp(ctx context.Context, s driver.Session) error {
	res, err := d.run(ctx, s, "navigate", map[string]string{"url": d.opts.AppURL}, nil)
	if err != nil {
		return err
	}
	if res.Success != nil && !*res.Success {
		return fmt.Errorf("navigate to %s: %s", d.opts.AppURL, res.Error)
	}
	return nil
}

func (d *DockerDriver) Generate(ctx context.Context, s driver.Session, req driver.GenerateRequest, onProgress driver.ProgressFunc) (driver.GenerateResult, error) {
	res, err := d.run(ctx, s, "generate", req, onProgress)
	if err != nil {
		return driver.GenerateResult{}, err
	}
	out := driver.GenerateResult{
		Success:     res.Success != nil && *res.Success,
		ArtifactURL: res.ArtifactURL,
		Error:       res.Error,
	}
	if !out.Success && out.Error == "" {
		out.Error = "generation reported no success"
	}
	return out, nil
}

// run executes one automation command inside the worker's container and
// returns its result line.
func (d *DockerDriver) run(ctx context.Context, s driver.Session, command string, payload any, onProgress driver.ProgressFunc) (*automationLine, error) {
	cs, err := d.session(s)
	if err != nil {
		return nil, err
	}

	requestName := "videofleet-" + uuid.NewString() + ".json"
	archive, err := requestArchive(requestName, payload)
	if err != nil {
		return nil, err
	}
	if err := d.cli.CopyToContainer(ctx, cs.containerID, "/tmp", archive, container.CopyToContainerOptions{}); err != nil {
		return nil, classifyErr(err)
	}

	execResp, err := d.cli.ContainerExecCreate(ctx, cs.containerID, container.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          []string{d.opts.Entrypoint, command, "/tmp/" + requestName},
	})
	if err != nil {
		return nil, classifyErr(err)
	}

	resp, err := d.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, classifyErr(err)
	}
	defer resp.Close()

	collector := &resultCollector{onProgress: onProgress}
	stdout := &lineWriter{onLine: collector.handle}
	var stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, &stderr, resp.Reader)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("read %s output: %w", command, err)
		}
	}
	stdout.Flush()

	inspect, err := d.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, classifyErr(err)
	}
	if collector.result == nil {
		return nil, fmt.Errorf("automation %s exited %d without a result: %s",
			command, inspect.ExitCode, lastLine(stderr.String()))
	}
	if inspect.ExitCode != 0 && collector.result.Error == "" {
		collector.result.Error = fmt.Sprintf("exit %d: %s", inspect.ExitCode, lastLine(stderr.String()))
	}
	return collector.result, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

var _ driver.Driver = (*DockerDriver)(nil)

var errNoDocker = errors.New("docker unavailable")

// NewClient connects to the local daemon the way the worker always has.
func NewClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNoDocker, err)
	}
	return cli, nil
}
