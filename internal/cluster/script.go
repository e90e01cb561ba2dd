package cluster

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/shlex"
	"github.com/valyala/fasttemplate"
)

// DefaultScriptTemplate is the batch script written for every submitted job.
// Tags: {{name}}, {{tasks}}, {{directives}}, {{command}}.
const DefaultScriptTemplate = `#!/bin/bash
#
# Name of the job:
#SBATCH -J {{name}}
#SBATCH -N 1
#SBATCH -n {{tasks}}
{{directives}}
JOBID=$SLURM_JOB_ID

echo -e "JobID: $JOBID\n======"
echo "Time: ` + "`date`" + `"
echo "Running on master node: ` + "`hostname`" + `"
echo "Current directory: ` + "`pwd`" + `"
echo -e "\nExecuting command:\n=================="
cat <<'DAMMER_COMMAND'
{{command}}
DAMMER_COMMAND

{{command}}
`

// CommandName is the short name of a command line: the base name of its
// program with everything from the first dot removed.
func CommandName(command string) string {
	argv, err := shlex.Split(command)
	if err != nil || len(argv) == 0 {
		return "job"
	}
	name := filepath.Base(argv[0])
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "job"
	}
	return name
}

// ScriptName numbers a batch script: "<n>_<command name>.sh".
func ScriptName(n int, command string) string {
	return fmt.Sprintf("%d_%s.sh", n, CommandName(command))
}

// ScriptOptions fills the non-command parts of the script template.
type ScriptOptions struct {
	Template  string
	Tasks     int
	Partition string
	MailUser  string
	// Directives are extra "#SBATCH" lines, given without the prefix.
	Directives []string
}

// RenderScript renders the batch script for job.
func RenderScript(job Job, opts ScriptOptions) (string, error) {
	src := opts.Template
	if src == "" {
		src = DefaultScriptTemplate
	}
	t, err := fasttemplate.NewTemplate(src, "{{", "}}")
	if err != nil {
		return "", fmt.Errorf("script template: %w", err)
	}

	tasks := opts.Tasks
	if tasks <= 0 {
		tasks = 1
	}
	var dirs []string
	if opts.Partition != "" {
		dirs = append(dirs, "#SBATCH -p "+opts.Partition)
	}
	if opts.MailUser != "" {
		dirs = append(dirs, "#SBATCH --mail-type=END", "#SBATCH --mail-user="+opts.MailUser)
	}
	for _, d := range opts.Directives {
		dirs = append(dirs, "#SBATCH "+strings.TrimSpace(strings.TrimPrefix(d, "#SBATCH")))
	}

	name := job.Name
	if name == "" {
		name = CommandName(job.Command)
	}
	return t.ExecuteString(map[string]interface{}{
		"name":       name,
		"tasks":      fmt.Sprint(tasks),
		"directives": strings.Join(dirs, "\n"),
		"command":    job.Command,
	}), nil
}
