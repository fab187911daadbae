package linux

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nepi-go/nepi/pkg/execution"
	"github.com/nepi-go/nepi/pkg/transports/ssh"
)

// maxParallelUploads bounds concurrent source uploads per application.
const maxParallelUploads = 4

// Application runs a shell command in the background on its node. The
// command is wrapped in a generated script that records its exit code, and
// runs in its own session so that stopping it reaches every child process.
//
// The script exports EXP_HOME, APP_HOME and RUN_HOME and runs in RUN_HOME,
// where stdout and stderr are collected.
type Application struct {
	execution.BaseResource

	mu      sync.RWMutex
	node    *Node
	expHome string
	appHome string
	runHome string
}

// Deploy waits for the node to be READY.
func (a *Application) Deploy(ctx context.Context, rm *execution.ResourceManager) error {
	nodes := rm.GetConnected(NodeType)
	if len(nodes) == 0 {
		return execution.NewPermanentError(fmt.Sprintf("%s is not connected to a node", rm), nil)
	}
	switch state := nodes[0].State(); {
	case state == execution.StateFailed, state == execution.StateReleased:
		return execution.NewPermanentError(fmt.Sprintf("%s: node %s is %s", rm, nodes[0], state), nil)
	case state < execution.StateReady:
		return execution.ErrReschedule
	}
	return execution.DefaultDeploy(ctx, rm)
}

// Discover resolves the directories the application uses on its node.
func (a *Application) Discover(_ context.Context, rm *execution.ResourceManager) error {
	nodeRM := rm.GetConnected(NodeType)[0]
	node, ok := nodeRM.Impl().(*Node)
	if !ok || node.Transport() == nil {
		return fmt.Errorf("%s: node %s has no connection", rm, nodeRM)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.node = node
	a.expHome = node.ExpHome()
	a.appHome = path.Join(a.expHome, fmt.Sprintf("app-%d", rm.Guid()))
	a.runHome = path.Join(a.appHome, rm.Controller().RunID())
	return nil
}

// Provision uploads sources and code and writes the command script.
func (a *Application) Provision(ctx context.Context, rm *execution.ResourceManager) error {
	client := a.transport()
	appHome, runHome := a.dirs()

	if err := a.uploadSources(ctx, rm, client, appHome); err != nil {
		return err
	}
	if code := rm.GetString(AttrCode); code != "" {
		if err := client.WriteFile(ctx, path.Join(appHome, "code"), []byte(code), 0o755); err != nil {
			return fmt.Errorf("%s: writing code: %w", rm, err)
		}
	}

	script, err := a.script(rm)
	if err != nil {
		return execution.NewPermanentError(fmt.Sprintf("%s: %v", rm, err), err)
	}
	if err := client.WriteFile(ctx, path.Join(runHome, "cmd"), []byte(script), 0o755); err != nil {
		return fmt.Errorf("%s: writing command script: %w", rm, err)
	}
	return nil
}

// uploadSources copies the local sources into the application directory,
// skipping files whose remote copy is already up to date.
func (a *Application) uploadSources(ctx context.Context, rm *execution.ResourceManager, client ssh.Transport, appHome string) error {
	sources := strings.Fields(rm.GetString(AttrSources))
	if len(sources) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelUploads)
	for _, src := range sources {
		g.Go(func() error {
			remote := path.Join(appHome, filepath.Base(src))
			local, err := ssh.LocalChecksum(src)
			if err != nil {
				return execution.NewPermanentError(fmt.Sprintf("%s: reading source %s", rm, src), err)
			}
			if current, err := client.ComputeChecksum(gctx, remote); err == nil && current == local {
				rm.Logger().Debug().Str("source", src).Msg("Source up to date, skipping upload")
				return nil
			}
			info, err := os.Stat(src)
			if err != nil {
				return err
			}
			if err := client.UploadFile(gctx, src, remote, uint32(info.Mode().Perm())); err != nil {
				return fmt.Errorf("%s: uploading %s: %w", rm, src, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// script renders the wrapper the command runs in. The command runs in a
// subshell so that exit or set -e in it cannot skip recording its status.
func (a *Application) script(rm *execution.ResourceManager) (string, error) {
	env, err := parseEnv(rm.GetString(AttrEnv))
	if err != nil {
		return "", err
	}
	a.mu.RLock()
	lines := []string{
		"#!/bin/sh",
		"export EXP_HOME=" + shellQuote(a.expHome),
		"export APP_HOME=" + shellQuote(a.appHome),
		"export RUN_HOME=" + shellQuote(a.runHome),
	}
	a.mu.RUnlock()
	lines = append(lines, env...)
	lines = append(lines,
		`cd "$RUN_HOME" || exit 1`,
		"(",
		rm.GetString(AttrCommand),
		")",
		`echo $? > "$RUN_HOME/exitcode"`,
		"",
	)
	return strings.Join(lines, "\n"), nil
}

// Start launches the command script detached from the SSH session.
func (a *Application) Start(ctx context.Context, rm *execution.ResourceManager) error {
	client := a.transport()
	_, runHome := a.dirs()

	cmd := fmt.Sprintf("cd %s || exit 1; %ssetsid sh ./cmd > %s 2> %s < /dev/null & echo $!",
		shellQuote(runHome), a.sudo(rm), TraceStdout, TraceStderr)
	out, _, err := client.ExecuteCommand(ctx, cmd)
	if err != nil {
		return fmt.Errorf("%s: starting command: %w", rm, err)
	}
	pid, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return fmt.Errorf("%s: unexpected pid %q", rm, out)
	}
	rm.Logger().Debug().Int64("pid", pid).Msg("Application started")
	return rm.Update(AttrPid, pid)
}

// Finished reports whether the command exited. A non-zero exit code fails
// the application.
func (a *Application) Finished(ctx context.Context, rm *execution.ResourceManager) (bool, error) {
	code, ok, err := a.exitCode(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		alive, err := a.alive(ctx, rm)
		if err != nil || alive {
			return false, err
		}
		// The script may have written its exit code between the checks.
		if code, ok, err = a.exitCode(ctx); err != nil {
			return false, err
		}
		if !ok {
			rm.Logger().Warn().Msg("Process exited without recording an exit code")
			return true, nil
		}
	}

	if err := rm.Update(AttrExitCode, code); err != nil {
		return false, err
	}
	if code != 0 {
		return false, execution.NewPermanentError(fmt.Sprintf("%s: command exited with code %d", rm, code), nil)
	}
	return true, nil
}

// exitCode reads the exit code the script records on completion.
func (a *Application) exitCode(ctx context.Context) (int64, bool, error) {
	_, runHome := a.dirs()
	data, err := a.transport().ReadFile(ctx, path.Join(runHome, "exitcode"))
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		// Still being written.
		return 0, false, nil
	}
	code, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid exit code %q", data)
	}
	return code, true, nil
}

// alive reports whether the process started by Start still exists.
func (a *Application) alive(ctx context.Context, rm *execution.ResourceManager) (bool, error) {
	pid := rm.GetInt(AttrPid)
	if pid <= 0 {
		return false, nil
	}
	_, _, err := a.transport().ExecuteCommand(ctx, fmt.Sprintf("%skill -0 %d 2>/dev/null", a.sudo(rm), pid))
	switch {
	case err == nil:
		return true, nil
	case ssh.ExitStatus(err) > 0:
		return false, nil
	default:
		return false, err
	}
}

// Stop terminates the command's session.
func (a *Application) Stop(ctx context.Context, rm *execution.ResourceManager) error {
	return a.kill(ctx, rm)
}

func (a *Application) kill(ctx context.Context, rm *execution.ResourceManager) error {
	pid := rm.GetInt(AttrPid)
	if pid <= 0 {
		return nil
	}
	sudo := a.sudo(rm)
	cmd := fmt.Sprintf("%[1]skill -TERM -%[2]d 2>/dev/null || %[1]skill -TERM %[2]d 2>/dev/null || true", sudo, pid)
	if _, _, err := a.transport().ExecuteCommand(ctx, cmd); err != nil {
		return fmt.Errorf("%s: stopping pid %d: %w", rm, pid, err)
	}
	rm.Logger().Debug().Int64("pid", pid).Msg("Application stopped")
	return nil
}

// Release kills a command that is still running and runs the tear down
// command.
func (a *Application) Release(ctx context.Context, rm *execution.ResourceManager) error {
	client := a.transport()
	if client == nil {
		return nil
	}
	if _, finished, err := a.exitCode(ctx); err == nil && !finished {
		if err := a.kill(ctx, rm); err != nil {
			return err
		}
	}
	if cmd := rm.GetString(AttrTearDown); cmd != "" {
		_, runHome := a.dirs()
		if _, _, err := client.ExecuteCommand(ctx, "cd "+shellQuote(runHome)+" && "+cmd); err != nil {
			return fmt.Errorf("%s: tear down: %w", rm, err)
		}
	}
	return nil
}

// Trace returns the stdout or stderr of the current run.
func (a *Application) Trace(ctx context.Context, rm *execution.ResourceManager, name string, attr execution.TraceAttr) (string, error) {
	if name != TraceStdout && name != TraceStderr {
		return "", fmt.Errorf("unknown trace %q", name)
	}
	client := a.transport()
	if client == nil {
		return "", fmt.Errorf("%s is not deployed", rm)
	}
	_, runHome := a.dirs()
	p := path.Join(runHome, name)

	switch attr {
	case execution.TracePath:
		return p, nil
	case execution.TraceSize:
		size, err := client.Stat(ctx, p)
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(size, 10), nil
	default:
		data, err := client.ReadFile(ctx, p)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

// ValidConnection accepts nodes only.
func (a *Application) ValidConnection(_, peer *execution.ResourceManager) bool {
	return peer.Type() == NodeType
}

// DependsOn keeps the node alive until the application is released.
func (a *Application) DependsOn(rm *execution.ResourceManager) []execution.Guid {
	var out []execution.Guid
	for _, n := range rm.GetConnected(NodeType) {
		out = append(out, n.Guid())
	}
	return out
}

func (a *Application) transport() ssh.Transport {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.node == nil {
		return nil
	}
	return a.node.Transport()
}

func (a *Application) dirs() (appHome, runHome string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.appHome, a.runHome
}

func (a *Application) sudo(rm *execution.ResourceManager) string {
	if rm.GetBool(AttrSudo) {
		return "sudo -n "
	}
	return ""
}
