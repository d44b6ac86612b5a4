package media

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildExtractArgs(t *testing.T) {
	args, err := BuildExtractArgs(ExtractSpec{
		MediaURL:     "https://cdn.example/stream.m3u8",
		StartSeconds: 120,
		Duration:     60,
		OutPath:      "/tmp/out.wav",
	})
	require.NoError(t, err)
	require.Equal(t, []string{
		"-loglevel", "error",
		"-ss", "120",
		"-i", "https://cdn.example/stream.m3u8",
		"-t", "60",
		"-ar", "16000",
		"-ac", "1",
		"-y",
		"/tmp/out.wav",
	}, args)
}

func TestBuildExtractArgsValidation(t *testing.T) {
	cases := []struct {
		name string
		spec ExtractSpec
	}{
		{"missing url", ExtractSpec{Duration: 60, OutPath: "o.wav"}},
		{"missing out", ExtractSpec{MediaURL: "u", Duration: 60}},
		{"zero duration", ExtractSpec{MediaURL: "u", OutPath: "o.wav"}},
		{"negative start", ExtractSpec{MediaURL: "u", OutPath: "o.wav", Duration: 60, StartSeconds: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := BuildExtractArgs(tc.spec)
			require.Error(t, err)
		})
	}
}

func TestBuildConvertArgs(t *testing.T) {
	args, err := BuildConvertArgs("in.mp4", "out.wav")
	require.NoError(t, err)
	require.Equal(t, []string{
		"-loglevel", "error",
		"-i", "in.mp4",
		"-ar", "16000",
		"-ac", "1",
		"-y",
		"out.wav",
	}, args)

	_, err = BuildConvertArgs("", "out.wav")
	require.Error(t, err)
	_, err = BuildConvertArgs("in.mp4", "")
	require.Error(t, err)
}
