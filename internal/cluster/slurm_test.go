package cluster

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/me/dammer/pkg/model"
)

type call struct {
	name string
	args []string
}

// fakeRunner records every invocation and answers from a per-program table.
type fakeRunner struct {
	calls []call
	out   map[string]string
	err   map[string]error
}

func (f *fakeRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, call{name: name, args: args})
	return []byte(f.out[name]), f.err[name]
}

func TestSlurm_Submit(t *testing.T) {
	work := t.TempDir()
	fr := &fakeRunner{out: map[string]string{"sbatch": "4242\n"}}
	s := NewSlurm(SlurmConfig{
		Script:     ScriptOptions{Partition: "IACT"},
		SubmitArgs: []string{"-m", "cyclic:fcyclic"},
	}, fr.run, newTestLogger())

	h, err := s.Submit(context.Background(), Job{
		Name:       "copy",
		Command:    "cp /data/a.fastq.gz .",
		WorkDir:    work,
		Script:     "1_cp.sh",
		Dependency: "afterok:11:12",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if h != "4242" {
		t.Errorf("handle = %q, want 4242", h)
	}

	script := filepath.Join(work, "1_cp.sh")
	want := []call{{name: "sbatch", args: []string{
		"--parsable", "--dependency=afterok:11:12", "--chdir=" + work, "-m", "cyclic:fcyclic", script,
	}}}
	if diff := cmp.Diff(want, fr.calls, cmp.AllowUnexported(call{})); diff != "" {
		t.Errorf("sbatch call mismatch (-want +got):\n%s", diff)
	}
	body, err := os.ReadFile(script)
	if err != nil {
		t.Fatalf("script not written: %v", err)
	}
	if !strings.Contains(string(body), "#SBATCH -p IACT") || !strings.Contains(string(body), "cp /data/a.fastq.gz .") {
		t.Errorf("unexpected script:\n%s", body)
	}
}

func TestSlurm_SubmitError(t *testing.T) {
	fr := &fakeRunner{err: map[string]error{"sbatch": errors.New("invalid partition")}}
	s := NewSlurm(SlurmConfig{}, fr.run, newTestLogger())
	if _, err := s.Submit(context.Background(), Job{Command: "true", WorkDir: t.TempDir()}); err == nil {
		t.Fatal("expected submit error")
	}
}

func TestParseSubmitted(t *testing.T) {
	tests := []struct {
		out     string
		want    model.JobHandle
		wantErr bool
	}{
		{"123\n", "123", false},
		{"123;cluster1\n", "123", false},
		{"Submitted batch job 987\n", "987", false},
		{"4_1\n", "4_1", false},
		{"", "", true},
		{"sbatch: error: Batch job submission failed", "", true},
	}
	for _, tt := range tests {
		got, err := parseSubmitted([]byte(tt.out))
		if (err != nil) != tt.wantErr {
			t.Errorf("parseSubmitted(%q) err = %v, wantErr %v", tt.out, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseSubmitted(%q) = %q, want %q", tt.out, got, tt.want)
		}
	}
}

func TestSlurm_ListQueued(t *testing.T) {
	fr := &fakeRunner{out: map[string]string{"squeue": "  101\n102\n\n103  \n"}}
	s := NewSlurm(SlurmConfig{}, fr.run, newTestLogger())
	got, err := s.ListQueued(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := map[model.JobHandle]bool{"101": true, "102": true, "103": true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ListQueued mismatch:\n%s", diff)
	}
	if diff := cmp.Diff([]string{"-h", "-o", "%i"}, fr.calls[0].args); diff != "" {
		t.Errorf("squeue args mismatch:\n%s", diff)
	}
}

func TestSlurm_JobState(t *testing.T) {
	tests := map[string]JobState{
		"COMPLETED\n":         JobCompleted,
		"FAILED\n":            JobFailed,
		"CANCELLED by 1000\n": JobFailed,
		"CANCELLED+\n":        JobFailed,
		"OUT_OF_MEMORY\n":     JobFailed,
		"RUNNING\n":           JobActive,
		"PENDING\nPENDING\n":  JobActive,
		"":                    JobUnknown,
		"SOMETHING_NEW\n":     JobUnknown,
	}
	for out, want := range tests {
		fr := &fakeRunner{out: map[string]string{"sacct": out}}
		s := NewSlurm(SlurmConfig{}, fr.run, newTestLogger())
		got, err := s.JobState(context.Background(), "55")
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("JobState for %q = %s, want %s", out, got, want)
		}
	}
}
