package embed

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewProgramParsesCommandLine(t *testing.T) {
	p, err := NewProgram("python3 -m fingerprinter --quiet")
	require.NoError(t, err)
	require.Equal(t, "python3", p.Cmd)
	require.Equal(t, []string{"-m", "fingerprinter", "--quiet"}, p.Args)

	_, err = NewProgram("   ")
	require.Error(t, err)
}

func TestEmbedDecodesOutput(t *testing.T) {
	p, err := NewProgram("fingerprinter")
	require.NoError(t, err)

	var gotArgs []string
	p.commandCtx = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		gotArgs = args
		return exec.Command("echo", `{"vectors":[[0.1,0.2],[0.3,0.4]],"timestamps":[60.5,61.5]}`)
	}

	vectors, timestamps, err := p.Embed(context.Background(), "/tmp/chunk.wav", 60)
	require.NoError(t, err)
	require.Equal(t, [][]float32{{0.1, 0.2}, {0.3, 0.4}}, vectors)
	require.Equal(t, []float64{60.5, 61.5}, timestamps)
	require.Equal(t, []string{"/tmp/chunk.wav", "60"}, gotArgs)
}

func TestEmbedRejectsMismatchedOutput(t *testing.T) {
	p, err := NewProgram("fingerprinter")
	require.NoError(t, err)
	p.commandCtx = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.Command("echo", `{"vectors":[[0.1]],"timestamps":[1,2]}`)
	}
	_, _, err = p.Embed(context.Background(), "c.wav", 0)
	require.Error(t, err)
	require.Contains(t, err.Error(), "1 vectors but 2 timestamps")
}

func TestEmbedCommandFailureIncludesStderr(t *testing.T) {
	p, err := NewProgram("fingerprinter")
	require.NoError(t, err)
	p.commandCtx = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.Command("sh", "-c", "echo model not loaded >&2; exit 1")
	}
	_, _, err = p.Embed(context.Background(), "c.wav", 0)
	require.Error(t, err)
	require.Contains(t, err.Error(), "model not loaded")
}
