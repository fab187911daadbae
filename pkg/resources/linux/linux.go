// Package linux provides resource types for Linux hosts reached over SSH.
//
// A linux::Node owns the SSH connection to its host and the experiment
// directory under the host's home:
//
//	<home>/.nepi/nepi-exp/<experiment id>/
//
// Each linux::Application connected to the node keeps its sources in
// app-<guid>/ below that directory and its per-run files (the generated
// command script, pid, exit code, stdout and stderr) in app-<guid>/<run id>/.
package linux

import (
	"fmt"
	"path"
	"strings"

	"github.com/nepi-go/nepi/pkg/execution"
)

// Resource type names.
const (
	NodeType        = "linux::Node"
	ApplicationType = "linux::Application"
)

// Node attributes.
const (
	AttrHostname    = "hostname"
	AttrUsername    = "username"
	AttrPort        = "port"
	AttrIdentity    = "identity"
	AttrKnownHosts  = "known_hosts"
	AttrGateway     = "gateway"
	AttrGatewayUser = "gateway_user"
	AttrHome        = "home"
	AttrCleanHome   = "clean_home"
	AttrTearDown    = "tear_down"
	AttrOS          = "os"
)

// Application attributes. AttrTearDown is shared with the node.
const (
	AttrCommand  = "command"
	AttrSources  = "sources"
	AttrCode     = "code"
	AttrEnv      = "env"
	AttrSudo     = "sudo"
	AttrPid      = "pid"
	AttrExitCode = "exit_code"
)

// Traces collected by applications.
const (
	TraceStdout = "stdout"
	TraceStderr = "stderr"
)

// Register adds the linux types to reg.
func Register(reg *execution.TypeRegistry) error {
	types := []execution.TypeInfo{
		{
			Name:        NodeType,
			Description: "Linux host reached over SSH",
			Attributes:  nodeSpecs(),
			New:         func() execution.Resource { return &Node{} },
		},
		{
			Name:        ApplicationType,
			Description: "Command run in the background on a linux::Node",
			Attributes:  applicationSpecs(),
			New:         func() execution.Resource { return &Application{} },
		},
	}
	for _, info := range types {
		if err := reg.Register(info); err != nil {
			return err
		}
	}
	return nil
}

func nodeSpecs() []execution.AttributeSpec {
	return []execution.AttributeSpec{
		{Name: AttrHostname, Description: "Host name or address", Type: execution.TypeString, Flags: execution.FlagDesign | execution.FlagRequired},
		{Name: AttrUsername, Description: "SSH user, defaults to $USER", Type: execution.TypeString, Flags: execution.FlagDesign},
		{Name: AttrPort, Description: "SSH port", Type: execution.TypeInteger, Default: int64(22), Flags: execution.FlagDesign},
		{Name: AttrIdentity, Description: "Private key file; the SSH agent is used when empty and SSH_AUTH_SOCK is set", Type: execution.TypeString, Flags: execution.FlagDesign},
		{Name: AttrKnownHosts, Description: "known_hosts file used to verify the host key; no verification when empty", Type: execution.TypeString, Flags: execution.FlagDesign},
		{Name: AttrGateway, Description: "Jump host used to reach the node", Type: execution.TypeString, Flags: execution.FlagDesign},
		{Name: AttrGatewayUser, Description: "SSH user on the gateway", Type: execution.TypeString, Flags: execution.FlagDesign},
		{Name: AttrHome, Description: "Directory the experiment tree is created under, defaults to the remote $HOME", Type: execution.TypeString, Flags: execution.FlagDesign},
		{Name: AttrCleanHome, Description: "Remove the experiment directory on release", Type: execution.TypeBool, Default: false},
		{Name: AttrTearDown, Description: "Command run on the node on release", Type: execution.TypeString},
		{Name: AttrOS, Description: "Kernel reported by the node", Type: execution.TypeString, Flags: execution.FlagReadOnly},
	}
}

func applicationSpecs() []execution.AttributeSpec {
	return []execution.AttributeSpec{
		{Name: AttrCommand, Description: "Shell command to run", Type: execution.TypeString, Flags: execution.FlagRequired},
		{Name: AttrSources, Description: "Space separated local files uploaded to the application directory", Type: execution.TypeString, Flags: execution.FlagDesign},
		{Name: AttrCode, Description: "Text saved as 'code' in the application directory", Type: execution.TypeString, Flags: execution.FlagDesign},
		{Name: AttrEnv, Description: "Space separated KEY=VALUE pairs exported to the command", Type: execution.TypeString},
		{Name: AttrSudo, Description: "Run the command through sudo", Type: execution.TypeBool, Default: false},
		{Name: AttrTearDown, Description: "Command run on the node on release", Type: execution.TypeString},
		{Name: AttrPid, Description: "Process id of the running command", Type: execution.TypeInteger, Flags: execution.FlagReadOnly},
		{Name: AttrExitCode, Description: "Exit code of the last run", Type: execution.TypeInteger, Flags: execution.FlagReadOnly},
	}
}

// shellQuote quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// parseEnv splits "A=1 B=2" into export lines.
func parseEnv(env string) ([]string, error) {
	var lines []string
	for _, pair := range strings.Fields(env) {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid env entry %q", pair)
		}
		lines = append(lines, fmt.Sprintf("export %s=%s", key, shellQuote(value)))
	}
	return lines, nil
}

func expHome(home, experimentID string) string {
	return path.Join(home, ".nepi", "nepi-exp", experimentID)
}
