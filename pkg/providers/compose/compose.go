// Package compose drives the container layer of a stage with docker
// compose, locally for local stages and over SSH for remote ones.
package compose

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"

	"github.com/stagecraft/stagecraft/pkg/config"
	"github.com/stagecraft/stagecraft/pkg/stores"
	"github.com/stagecraft/stagecraft/pkg/telemetry"
)

// RemoteRunner executes a shell command on a remote server. The ssh
// transport's Runner satisfies it.
type RemoteRunner interface {
	Run(ctx context.Context, srv *config.ServerResource, addr, command string) (string, error)
}

// Runtime implements engine.ContainerRuntime. For a local stage it
// shells out to docker compose on this machine; for a remote stage it
// runs docker compose at each target server's deploy path. A deployment
// route pins the stage to a single server; without one every server of
// the stage is a target.
type Runtime struct {
	project *config.Project
	store   stores.Store
	remote  RemoteRunner
	log     *telemetry.Logger

	// localDir is the working directory for local compose runs,
	// normally the project file's directory.
	localDir string
}

// NewRuntime creates the compose runtime.
func NewRuntime(project *config.Project, store stores.Store, remote RemoteRunner, localDir string, log *telemetry.Logger) *Runtime {
	return &Runtime{
		project:  project,
		store:    store,
		remote:   remote,
		log:      log.WithComponent("compose"),
		localDir: localDir,
	}
}

// Up starts the stage's services, creating containers as needed.
func (r *Runtime) Up(ctx context.Context, stageName string, services []string) error {
	args := append([]string{"up", "--detach", "--remove-orphans"}, services...)
	return r.run(ctx, stageName, args)
}

// Down stops the stage's services. Containers are stopped, not removed,
// so a later Up resumes quickly and volumes stay intact.
func (r *Runtime) Down(ctx context.Context, stageName string, services []string) error {
	args := append([]string{"stop"}, services...)
	return r.run(ctx, stageName, args)
}

func (r *Runtime) run(ctx context.Context, stageName string, composeArgs []string) error {
	stage, err := r.project.Stage(stageName)
	if err != nil {
		return err
	}

	if stage.IsLocal() {
		return r.runLocal(ctx, stageName, composeArgs)
	}

	targets, err := r.targetServers(stageName, stage)
	if err != nil {
		return err
	}

	var errs []error
	for _, srv := range targets {
		if err := r.runRemote(ctx, stageName, srv, composeArgs); err != nil {
			errs = append(errs, fmt.Errorf("server %s: %w", srv.Name, err))
		}
	}
	return errors.Join(errs...)
}

// targetServers resolves which servers run the stage's containers: the
// routed server when the project pins one, otherwise all of them.
func (r *Runtime) targetServers(stageName string, stage *config.Stage) ([]*config.ServerResource, error) {
	route, ok := r.project.Route(stageName)
	if !ok {
		targets := make([]*config.ServerResource, 0, len(stage.Servers))
		for i := range stage.Servers {
			targets = append(targets, &stage.Servers[i])
		}
		return targets, nil
	}
	for i := range stage.Servers {
		if stage.Servers[i].Name == route.Server {
			return []*config.ServerResource{&stage.Servers[i]}, nil
		}
	}
	return nil, fmt.Errorf("route for stage %s names unknown server %s", stageName, route.Server)
}

func (r *Runtime) runLocal(ctx context.Context, stageName string, composeArgs []string) error {
	args := append([]string{"compose", "--project-name", stageName}, composeArgs...)
	r.log.WithStage(stageName).WithField("args", strings.Join(args, " ")).Debug("running docker compose")

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Dir = r.localDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker compose failed: %w: %s", err, string(output))
	}
	return nil
}

func (r *Runtime) runRemote(ctx context.Context, stageName string, srv *config.ServerResource, composeArgs []string) error {
	addr, err := r.serverAddr(srv)
	if err != nil {
		return err
	}

	command := fmt.Sprintf("cd %s && docker compose --project-name %s %s",
		shellQuote(srv.DeployPath), shellQuote(stageName), joinQuoted(composeArgs))
	r.log.WithStage(stageName).WithServer(srv.Name).Debug("running remote docker compose")

	if _, err := r.remote.Run(ctx, srv, addr, command); err != nil {
		return err
	}
	return nil
}

// serverAddr resolves the server's dial address from the state store.
func (r *Runtime) serverAddr(srv *config.ServerResource) (string, error) {
	entry, err := r.store.Get(stores.Key(srv.Provider, "server", srv.Name))
	if err != nil {
		return "", fmt.Errorf("server %s has no recorded address: %w", srv.Name, err)
	}
	host := entry.Addresses.IPv4
	if host == "" {
		host = entry.Addresses.IPv6
	}
	if host == "" {
		return "", fmt.Errorf("server %s has no recorded address", srv.Name)
	}
	return net.JoinHostPort(host, strconv.Itoa(srv.Port)), nil
}

// shellQuote single-quotes a value for the remote shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func joinQuoted(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		// compose verbs and flags are fixed strings; only service names
		// come from user input.
		if strings.HasPrefix(a, "-") || a == "up" || a == "stop" {
			quoted[i] = a
			continue
		}
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}
