package protocols

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/masterzen/winrm"

	"github.com/nmslite/hwsentry/internal/connector"
	"github.com/nmslite/hwsentry/internal/source"
)

const (
	defaultWinRMPort      = 5985
	defaultWinRMHTTPSPort = 5986
	defaultWMINamespace   = `root\cimv2`
)

// WMIExecutor runs WQL queries over WinRM.
type WMIExecutor struct {
	timeout time.Duration
}

// NewWMIExecutor creates a WMI executor.
func NewWMIExecutor(timeout time.Duration) *WMIExecutor {
	return &WMIExecutor{timeout: timeout}
}

// Execute implements Executor. Each instance returned by the query becomes
// a row whose cells follow the order of the SELECT list.
func (e *WMIExecutor) Execute(ctx context.Context, target *Target, src *connector.Source) (*source.Table, error) {
	if target.WinRM == nil {
		return nil, fmt.Errorf("winrm: %w", ErrNoCredentials)
	}

	script, err := wmiScript(src.Query, src.Namespace)
	if err != nil {
		return nil, err
	}

	client, err := newWinRMClient(target.Hostname, target.WinRM, e.timeout)
	if err != nil {
		return nil, err
	}

	stdout, stderr, exitCode, err := client.RunWithContextWithString(ctx, powershell(script), "")
	if err != nil {
		return nil, fmt.Errorf("WinRM execution failed: %w", err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("PowerShell command failed (exit code %d): %s", exitCode, strings.TrimSpace(stderr))
	}

	return source.ParseCSV(stdout, ";"), nil
}

func newWinRMClient(hostname string, creds *WinRMCredentials, timeout time.Duration) (*winrm.Client, error) {
	port := creds.Port
	if port == 0 {
		port = defaultWinRMPort
		if creds.UseHTTPS {
			port = defaultWinRMHTTPSPort
		}
	}

	endpoint := winrm.NewEndpoint(hostname, port, creds.UseHTTPS, true, nil, nil, nil, timeout)

	var client *winrm.Client
	var err error
	if creds.Domain != "" {
		params := winrm.DefaultParameters
		params.TransportDecorator = func() winrm.Transporter {
			return &winrm.ClientNTLM{}
		}
		client, err = winrm.NewClientWithParameters(endpoint, creds.Domain+`\`+creds.Username, creds.Password, params)
	} else {
		client, err = winrm.NewClient(endpoint, creds.Username, creds.Password)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create WinRM client: %w", err)
	}
	return client, nil
}

var selectPattern = regexp.MustCompile(`(?is)^\s*select\s+(.+?)\s+from\s+`)

// wmiScript builds the PowerShell that runs query and prints one
// ';'-separated line per instance.
func wmiScript(query, namespace string) (string, error) {
	m := selectPattern.FindStringSubmatch(query)
	if m == nil {
		return "", fmt.Errorf("not a WQL SELECT query: %q", query)
	}

	var props []string
	for _, p := range strings.Split(m[1], ",") {
		p = strings.TrimSpace(p)
		if p == "*" {
			return "", fmt.Errorf("WQL query must list its properties: %q", query)
		}
		props = append(props, "$_."+p)
	}

	if namespace == "" {
		namespace = defaultWMINamespace
	}

	return fmt.Sprintf(`Get-CimInstance -Namespace '%s' -Query '%s' | ForEach-Object { @(%s) -join ';' }`,
		strings.ReplaceAll(namespace, "'", "''"),
		strings.ReplaceAll(query, "'", "''"),
		strings.Join(props, ", "),
	), nil
}

func powershell(script string) string {
	return fmt.Sprintf("powershell.exe -NoProfile -NonInteractive -Command \"%s\"",
		strings.ReplaceAll(script, "\"", "`\""))
}
