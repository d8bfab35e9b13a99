package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/devloop/internal/cancel"
	"github.com/cuemby/devloop/internal/config"
	"github.com/cuemby/devloop/internal/dlog"
	"github.com/cuemby/devloop/internal/dockerapi"
	"github.com/cuemby/devloop/internal/entrypoint"
	"github.com/cuemby/devloop/internal/indicator"
)

// dockerWorkDir is where the project root is bind-mounted inside every
// task container.
const dockerWorkDir = "/mnt/dl-root"

const logTailInterval = 25 * time.Millisecond

// proxyUserName is the in-container user the permission helper creates to
// mirror the host uid/gid.
const proxyUserName = "dl"

// Docker executes tasks inside one long-lived container per executor,
// kept alive by its tail entrypoint and attached to one bridge network per
// pipeline so a pipeline's tasks can address one another by hostname.
type Docker struct {
	id          string
	client      *dockerapi.Client
	projectRoot string
	tmpRoot     string
	provides    []config.ProvideConf

	image       string
	namePrefix  string
	user        string
	hostname    string
	exportEnv   []string
	extraMounts []string
	tcpPorts    []string
	udpPorts    []string
	permHelper  bool

	mu            sync.Mutex
	containerID   string
	containerName string
	execUser      string            // uid:gid once the permission helper has run
	networks      map[string]string // pipeline id -> network id
	attached      map[string]struct{}
}

// NewDocker builds a Docker executor from its configuration. conf.Params
// must include "image" and "name_prefix" (with a trailing dash); the
// remaining recognized params (user, hostname, export_env, extra_mounts,
// tcp_ports_to_expose, udp_ports_to_expose,
// experimental_permission_helper) are all optional.
func NewDocker(conf config.ExecutorConf, client *dockerapi.Client, projectRoot, tmpRoot string) (*Docker, error) {
	params := conf.GetParameters()

	image := params["image"]
	if image == "" {
		return nil, fmt.Errorf("docker executor config is missing required param %q", "image")
	}
	namePrefix := params["name_prefix"]
	if namePrefix == "" {
		return nil, fmt.Errorf("docker executor config is missing required param %q", "name_prefix")
	}
	if !strings.HasSuffix(namePrefix, "-") {
		return nil, fmt.Errorf("docker executor param %q must end with a dash, got %q", "name_prefix", namePrefix)
	}

	return &Docker{
		id:          HashID(conf),
		client:      client,
		projectRoot: projectRoot,
		tmpRoot:     tmpRoot,
		provides:    conf.Provides,
		image:       image,
		namePrefix:  namePrefix,
		user:        params["user"],
		hostname:    params["hostname"],
		exportEnv:   splitCommaList(params["export_env"]),
		extraMounts: splitCommaList(params["extra_mounts"]),
		tcpPorts:    splitCommaList(params["tcp_ports_to_expose"]),
		udpPorts:    splitCommaList(params["udp_ports_to_expose"]),
		permHelper:  params["experimental_permission_helper"] == "true",
		networks:    make(map[string]string),
		attached:    make(map[string]struct{}),
	}, nil
}

func (d *Docker) ID() string { return d.id }

func (d *Docker) MeetsRequirements(needs []config.NeedsRequirement) bool {
	for _, n := range needs {
		if !MatchesProvides(d.provides, n) {
			return false
		}
	}
	return true
}

func splitCommaList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// resolveExtraMounts turns raw "src:dst" entries into Docker bind strings:
// a src starting with "~" expands against home, an absolute src passes
// through, anything else resolves under the project root. Entries whose
// src does not exist on the host are dropped.
func resolveExtraMounts(entries []string, projectRoot, home string) []string {
	var binds []string
	for _, entry := range entries {
		src, dst, ok := strings.Cut(entry, ":")
		if !ok || src == "" || dst == "" {
			dlog.WithComponent("executor.docker").Warn().Str("mount", entry).Msg("ignoring malformed extra mount, want src:dst")
			continue
		}
		switch {
		case strings.HasPrefix(src, "~"):
			src = filepath.Join(home, strings.TrimPrefix(src, "~"))
		case filepath.IsAbs(src):
		default:
			src = filepath.Join(projectRoot, src)
		}
		if _, err := os.Stat(src); err != nil {
			dlog.WithComponent("executor.docker").Debug().Str("src", src).Msg("dropping extra mount with missing source")
			continue
		}
		binds = append(binds, src+":"+dst)
	}
	return binds
}

func exposedPortSet(tcp, udp []string) map[string]struct{} {
	if len(tcp) == 0 && len(udp) == 0 {
		return nil
	}
	ports := make(map[string]struct{}, len(tcp)+len(udp))
	for _, p := range tcp {
		ports[p+"/tcp"] = struct{}{}
	}
	for _, p := range udp {
		ports[p+"/udp"] = struct{}{}
	}
	return ports
}

// ensureContainer pulls the image and creates, starts, and probes this
// executor's single long-lived container on first use. Later calls return
// the cached container id.
func (d *Docker) ensureContainer(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.containerID != "" {
		return d.containerID, nil
	}

	if err := d.client.EnsureImage(ctx, d.image); err != nil {
		return "", fmt.Errorf("ensuring image %s: %w", d.image, err)
	}

	name := d.namePrefix + uuid.NewString()[:8]
	id, err := d.client.CreateContainer(ctx, name, dockerapi.ContainerCreateSpec{
		Image:        d.image,
		Hostname:     d.hostname,
		User:         d.user,
		Entrypoint:   []string{"tail", "-f", "/dev/null"},
		WorkingDir:   dockerWorkDir,
		Tty:          true,
		ExposedPorts: exposedPortSet(d.tcpPorts, d.udpPorts),
		HostConfig: dockerapi.ContainerHostConf{
			Binds: append([]string{
				d.projectRoot + ":" + dockerWorkDir,
				d.tmpRoot + ":/tmp",
			}, resolveExtraMounts(d.extraMounts, d.projectRoot, config.HomeDir())...),
			AutoRemove: true,
			Privileged: true,
		},
	})
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", name, err)
	}

	if err := d.client.StartContainer(ctx, id); err != nil {
		return "", fmt.Errorf("starting container %s: %w", name, err)
	}

	// The image must carry a usable bash for the entrypoint wrappers.
	if code, err := d.runExecSync(ctx, id, dockerapi.ExecSpec{
		Cmd:          []string{"bash", "-c", "hash bash"},
		AttachStdout: true,
		AttachStderr: true,
	}); err != nil {
		return "", fmt.Errorf("probing bash in container %s: %w", name, err)
	} else if code != 0 {
		return "", fmt.Errorf("image %s has no usable bash (probe exited %d)", d.image, code)
	}

	if d.permHelper {
		uid, gid := os.Getuid(), os.Getgid()
		d.client.PermissionHelperMu.Lock()
		permErr := d.client.EnsureHostUser(ctx, id, uid, gid, proxyUserName)
		d.client.PermissionHelperMu.Unlock()
		if permErr != nil {
			dlog.WithComponent("executor.docker").Error().Err(permErr).Msg("permission helper setup failed")
		} else {
			d.execUser = strconv.Itoa(uid) + ":" + strconv.Itoa(gid)
		}
	}

	d.containerID = id
	d.containerName = name
	return id, nil
}

func (d *Docker) runExecSync(ctx context.Context, containerID string, spec dockerapi.ExecSpec) (int, error) {
	execID, err := d.client.CreateExec(ctx, containerID, spec)
	if err != nil {
		return 0, err
	}
	if err := d.client.StartExecDetached(ctx, execID); err != nil {
		return 0, err
	}
	return d.client.WaitExec(ctx, execID, nil)
}

// ensureNetworkAttachment guarantees the pipeline's bridge network exists
// and this executor's container is attached to it, aliased by hostname so
// other pipeline tasks can reach it by name.
func (d *Docker) ensureNetworkAttachment(ctx context.Context, pipelineID, containerID string) error {
	d.mu.Lock()
	_, done := d.attached[pipelineID]
	networkID := d.networks[pipelineID]
	d.mu.Unlock()
	if done {
		return nil
	}

	if networkID == "" {
		d.client.NetworkCreateMu.Lock()
		id, err := d.client.EnsureNetwork(ctx, pipelineID)
		d.client.NetworkCreateMu.Unlock()
		if err != nil {
			return err
		}
		networkID = id
		d.mu.Lock()
		d.networks[pipelineID] = networkID
		d.mu.Unlock()
	}

	alias := d.hostname
	if alias == "" {
		alias = d.containerName
	}

	d.client.NetworkAttachMu.Lock()
	err := d.client.AttachContainer(ctx, networkID, containerID, alias)
	d.client.NetworkAttachMu.Unlock()
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.attached[pipelineID] = struct{}{}
	d.mu.Unlock()
	return nil
}

func (d *Docker) exportedEnv() []string {
	env := make([]string, 0, len(d.exportEnv))
	for _, name := range d.exportEnv {
		env = append(env, name+"="+os.Getenv(name))
	}
	return env
}

// Execute runs one task as an exec inside this executor's container,
// streaming output by tailing host-visible log-proxy files (the exec is
// started detached, since this tool doesn't attach to the Engine's
// multiplexed stream protocol).
func (d *Docker) Execute(ctx context.Context, tc TaskContext, workerIndex int, cancelled *cancel.Flag, logCh chan<- indicator.LogEvent, changeCh chan<- indicator.TaskChange) (int, error) {
	containerID, err := d.ensureContainer(ctx)
	if err != nil {
		return 0, fmt.Errorf("preparing container for task %s: %w", tc.TaskName, err)
	}

	if err := d.ensureNetworkAttachment(ctx, tc.PipelineID, containerID); err != nil {
		return 0, fmt.Errorf("attaching container for task %s: %w", tc.TaskName, err)
	}

	sharedDir, err := entrypoint.CreateSharedDir(d.tmpRoot, tc.PipelineID)
	if err != nil {
		return 0, err
	}
	proxy, err := entrypoint.CreateLogProxyFiles(sharedDir, tc.TaskName)
	if err != nil {
		return 0, err
	}

	written, err := entrypoint.CreateEntrypoint(entrypoint.Params{
		WorkDir:          dockerWorkDir,
		HelperSourceLine: tc.HelperSourceLine,
		TaskName:         tc.TaskName,
		ScriptContents:   tc.ScriptContents,
		Args:             tc.Args,
		ScriptDir:        sharedDir,
		RedirectTo:       &proxy,
		RewriteTmpPrefix: d.tmpRoot,
	})
	if err != nil {
		return 0, err
	}

	workerTag := WorkerTag(workerIndex, tc.TaskName)

	changeCh <- indicator.TaskChange{Kind: indicator.Started, Tag: workerTag}
	defer func() {
		changeCh <- indicator.TaskChange{Kind: indicator.Finished, Tag: workerTag}
	}()

	execUser := d.execUser
	if execUser == "" {
		execUser = d.user
	}
	execID, err := d.client.CreateExec(ctx, containerID, dockerapi.ExecSpec{
		Cmd:          []string{"/usr/bin/env", "bash", rewriteToContainerPath(written.EntrypointPath, d.tmpRoot)},
		Env:          d.exportedEnv(),
		User:         execUser,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return 0, fmt.Errorf("creating exec for task %s: %w", tc.TaskName, err)
	}
	if err := d.client.StartExecDetached(ctx, execID); err != nil {
		return 0, fmt.Errorf("starting exec for task %s: %w", tc.TaskName, err)
	}

	tailDone := make(chan struct{})
	go tailLogFiles(proxy, workerTag, logCh, tailDone)
	defer close(tailDone)

	exitCode, waitErr := d.client.WaitExec(ctx, execID, func(insp dockerapi.ExecInspection) bool {
		if !cancelled.IsSet() {
			return false
		}
		d.killBestEffort(ctx, containerID, insp.Pid)
		return true
	})
	if waitErr != nil && !dockerapi.ErrExecCancelled(waitErr) {
		return 0, fmt.Errorf("waiting for task %s: %w", tc.TaskName, waitErr)
	}
	if dockerapi.ErrExecCancelled(waitErr) {
		if tc.CtrlcIsFailure {
			return CancelExitCode, nil
		}
		return 0, nil
	}

	return exitCode, nil
}

// killBestEffort confirms the exec's PID is still alive inside the
// container and hard-kills that process alone, leaving the container (and
// any other tasks sharing it) untouched. If the lookup fails or the PID is
// already gone, nothing is killed and no error is reported; the process
// then lives until its container is removed.
func (d *Docker) killBestEffort(ctx context.Context, containerID string, pid int) {
	if pid <= 0 {
		return
	}
	pids, err := d.client.ContainerTop(ctx, containerID)
	if err != nil {
		return
	}
	target := strconv.Itoa(pid)
	for _, p := range pids {
		if p != target {
			continue
		}
		_, _ = d.runExecSync(ctx, containerID, dockerapi.ExecSpec{
			Cmd:          []string{"kill", "-9", target},
			User:         "root",
			AttachStdout: true,
			AttachStderr: true,
		})
		return
	}
}

func rewriteToContainerPath(hostPath, hostTmpPrefix string) string {
	if len(hostPath) >= len(hostTmpPrefix) && hostPath[:len(hostTmpPrefix)] == hostTmpPrefix {
		return "/tmp" + hostPath[len(hostTmpPrefix):]
	}
	return hostPath
}

// tailLogFiles polls a task's stdout/stderr proxy files for growth and
// forwards new bytes onto logCh until done is closed, at which point it
// reads any remaining bytes once more before returning.
func tailLogFiles(proxy entrypoint.LogProxyFiles, tag string, logCh chan<- indicator.LogEvent, done <-chan struct{}) {
	outOff, errOff := int64(0), int64(0)
	for {
		outOff = tailOnce(proxy.StdoutPath, tag, false, outOff, logCh)
		errOff = tailOnce(proxy.StderrPath, tag, true, errOff, logCh)

		select {
		case <-done:
			outOff = tailOnce(proxy.StdoutPath, tag, false, outOff, logCh)
			errOff = tailOnce(proxy.StderrPath, tag, true, errOff, logCh)
			return
		case <-time.After(logTailInterval):
		}
	}
}

func tailOnce(path, tag string, isStderr bool, offset int64, logCh chan<- indicator.LogEvent) int64 {
	f, err := os.Open(path)
	if err != nil {
		return offset
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset
	}
	data, err := io.ReadAll(f)
	if err != nil && !errors.Is(err, io.EOF) {
		return offset
	}
	if len(data) > 0 {
		logCh <- indicator.LogEvent{Tag: tag, Chunk: string(data), IsStderr: isStderr}
	}
	return offset + int64(len(data))
}

// Clean removes this executor's container and every network it created.
// Container removal comes first so no network still has an attached
// endpoint when its delete lands.
func (d *Docker) Clean(ctx context.Context) error {
	d.mu.Lock()
	containerID := d.containerID
	d.containerID = ""
	d.containerName = ""
	networks := make([]string, 0, len(d.networks))
	for _, id := range d.networks {
		networks = append(networks, id)
	}
	d.networks = make(map[string]string)
	d.attached = make(map[string]struct{})
	d.mu.Unlock()

	if containerID != "" {
		if err := d.client.RemoveContainer(ctx, containerID); err != nil {
			return err
		}
	}

	for _, id := range networks {
		if err := d.client.RemoveNetwork(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
