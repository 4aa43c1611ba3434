package slurm

import (
	"context"
	"strings"

	"github.com/bidsflow/bidsflow/internal/sshexec"
)

// SSHRunner executes the submission command on a cluster login node.
type SSHRunner struct {
	Client *sshexec.Client
}

func (r SSHRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, name)
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return r.Client.RunCommand(ctx, strings.Join(parts, " "))
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`&|;<>*?()[]{}~#") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
