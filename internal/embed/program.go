package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Program runs an external fingerprint model as a subprocess. The command is
// invoked as <cmd> <wavPath> <offsetSeconds> and must print a single JSON
// object {"vectors": [[...]], "timestamps": [...]} on stdout.
type Program struct {
	Cmd  string
	Args []string

	commandCtx func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewProgram splits a configured command line into binary and fixed args.
func NewProgram(cmdline string) (*Program, error) {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return nil, fmt.Errorf("embedder command is empty")
	}
	return &Program{
		Cmd:        fields[0],
		Args:       fields[1:],
		commandCtx: exec.CommandContext,
	}, nil
}

type programOutput struct {
	Vectors    [][]float32 `json:"vectors"`
	Timestamps []float64   `json:"timestamps"`
}

// Embed implements Embedder by shelling out to the configured model command.
func (p *Program) Embed(ctx context.Context, wavPath string, offsetSeconds float64) ([][]float32, []float64, error) {
	args := make([]string, 0, len(p.Args)+2)
	args = append(args, p.Args...)
	args = append(args, wavPath, strconv.FormatFloat(offsetSeconds, 'f', -1, 64))

	cmd := p.commandCtx(ctx, p.Cmd, args...) // #nosec G204
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, nil, fmt.Errorf("embedder %s: %w: %s", p.Cmd, err, msg)
		}
		return nil, nil, fmt.Errorf("embedder %s: %w", p.Cmd, err)
	}

	var out programOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, nil, fmt.Errorf("embedder %s: decode output: %w", p.Cmd, err)
	}
	if len(out.Vectors) != len(out.Timestamps) {
		return nil, nil, fmt.Errorf("embedder %s: %d vectors but %d timestamps", p.Cmd, len(out.Vectors), len(out.Timestamps))
	}
	return out.Vectors, out.Timestamps, nil
}
