package slurm

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

// fakeRunner acknowledges submissions with sequential job ids.
type fakeRunner struct {
	next     int
	output   string
	err      error
	captured [][]string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	f.captured = append(f.captured, append([]string{name}, args...))
	if f.err != nil {
		return "", f.err
	}
	if f.output != "" {
		return f.output, nil
	}
	f.next++
	return fmt.Sprintf("%d\n", 1000+f.next), nil
}

func TestParseJobID(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"1234\n", "1234", false},
		{"1234;cluster\n", "1234", false},
		{"Submitted batch job 98765\n", "98765", false},
		{"", "", true},
		{"sbatch: error: invalid partition\n", "", true},
	}
	for _, c := range cases {
		got, err := ParseJobID(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseJobID(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseJobID(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseJobID(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestBuildArgs(t *testing.T) {
	dep := JobHandle{ID: "42"}
	args, err := BuildArgs(Request{
		Name:          "qsm-sub-001",
		Partition:     "gpuA",
		ExcludedNodes: []string{"node045", "node046"},
		Command:       "qsmxt /bids /out",
		Dependency:    &dep,
		Relationship:  AfterAny,
	})
	if err != nil {
		t.Fatalf("BuildArgs failed: %v", err)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--partition gpuA") {
		t.Errorf("missing partition: %v", args)
	}
	if !strings.Contains(joined, "--exclude node045,node046") {
		t.Errorf("missing node exclusion: %v", args)
	}
	if !strings.Contains(joined, "--dependency=afterany:42") {
		t.Errorf("missing dependency: %v", args)
	}
	if args[len(args)-2] != "--wrap" || args[len(args)-1] != "qsmxt /bids /out" {
		t.Errorf("wrap must be last: %v", args)
	}
}

func TestBuildArgsEmptyDependencyID(t *testing.T) {
	dep := JobHandle{}
	if _, err := BuildArgs(Request{Name: "x", Command: "true", Dependency: &dep}); err == nil {
		t.Fatal("empty dependency id must be an error, never forwarded")
	}
}

func TestSubmitSequentialChain(t *testing.T) {
	runner := &fakeRunner{}
	sub := NewSubmitter("sbatch", runner)
	ctx := context.Background()

	var handles []JobHandle
	for i := 0; i < 4; i++ {
		h, err := sub.Submit(ctx, Request{
			Name:       fmt.Sprintf("unit-%d", i),
			Command:    "true",
			Dependency: NextDependency(handles),
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		handles = append(handles, h)
	}

	// Unit 1 has no dependency; unit i depends on unit i-1's returned id.
	first := strings.Join(runner.captured[0], " ")
	if strings.Contains(first, "--dependency") {
		t.Errorf("first submission must not declare a dependency: %s", first)
	}
	for i := 1; i < 4; i++ {
		joined := strings.Join(runner.captured[i], " ")
		want := fmt.Sprintf("--dependency=afterany:%s", handles[i-1].ID)
		if !strings.Contains(joined, want) {
			t.Errorf("submission %d: expected %s in %s", i, want, joined)
		}
	}
}

func TestSubmitParallelNoDependencies(t *testing.T) {
	runner := &fakeRunner{}
	sub := NewSubmitter("sbatch", runner)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := sub.Submit(ctx, Request{Name: fmt.Sprintf("unit-%d", i), Command: "true"}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	for i, call := range runner.captured {
		if strings.Contains(strings.Join(call, " "), "--dependency") {
			t.Errorf("parallel submission %d declares a dependency: %v", i, call)
		}
	}
}

func TestSubmitAfterOK(t *testing.T) {
	runner := &fakeRunner{}
	sub := NewSubmitter("sbatch", runner)
	dep := JobHandle{ID: "77"}

	if _, err := sub.Submit(context.Background(), Request{
		Name: "average", Command: "fslmerge", Dependency: &dep, Relationship: AfterOK,
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.Contains(strings.Join(runner.captured[0], " "), "--dependency=afterok:77") {
		t.Errorf("expected afterok dependency: %v", runner.captured[0])
	}
}

func TestSubmitUnparsableAcknowledgment(t *testing.T) {
	runner := &fakeRunner{output: "sbatch: error: something\n"}
	sub := NewSubmitter("sbatch", runner)

	if _, err := sub.Submit(context.Background(), Request{Name: "x", Command: "true"}); err == nil {
		t.Fatal("expected error when job id cannot be parsed")
	}
}

func TestNextDependency(t *testing.T) {
	if NextDependency(nil) != nil {
		t.Error("expected nil for empty chain")
	}
	handles := []JobHandle{{ID: "1"}, {ID: "2"}}
	if dep := NextDependency(handles); dep == nil || dep.ID != "2" {
		t.Errorf("expected last handle, got %+v", dep)
	}
}

func TestShellQuote(t *testing.T) {
	if got := shellQuote("plain-arg"); got != "plain-arg" {
		t.Errorf("plain arg quoted: %q", got)
	}
	if got := shellQuote("a b"); got != "'a b'" {
		t.Errorf("unexpected quoting: %q", got)
	}
	if got := shellQuote("it's"); got != `'it'\''s'` {
		t.Errorf("unexpected quote escape: %q", got)
	}
}
