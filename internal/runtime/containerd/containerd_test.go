package containerd

import (
	"bufio"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfigParsesImageCommandEnv(t *testing.T) {
	raw := "image: nginx:1.25\ncommand: [\"/bin/sh\", \"-c\", \"echo hi\"]\nenv: [\"FOO=bar\"]\n"
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte(raw), &cfg))
	assert.Equal(t, "nginx:1.25", cfg.Image)
	assert.Equal(t, []string{"/bin/sh", "-c", "echo hi"}, cfg.Command)
	assert.Equal(t, []string{"FOO=bar"}, cfg.Env)
}

func TestParseInstanceNameRoundTrip(t *testing.T) {
	name, ok := parseInstanceName("agent_A.nginx.hash1")
	require.True(t, ok)
	assert.Equal(t, "agent_A", name.AgentName)
	assert.Equal(t, "nginx", name.WorkloadName)
	assert.Equal(t, "hash1", name.ID)
}

func TestParseInstanceNameRejectsMalformed(t *testing.T) {
	_, ok := parseInstanceName("not-enough-dots")
	assert.False(t, ok)
}

func TestSeekToTailLinesReadsOnlyLastN(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "log")
	require.NoError(t, err)
	defer f.Close()

	for i := 1; i <= 10; i++ {
		f.WriteString("line\n")
	}
	_, err = f.Seek(0, 0)
	require.NoError(t, err)

	require.NoError(t, seekToTailLines(f, 3))

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	assert.Len(t, lines, 3)
}

func TestSeekToTailLinesBeyondLineCountReadsFromStart(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "log")
	require.NoError(t, err)
	defer f.Close()
	f.WriteString("a\nb\nc\n")
	_, err = f.Seek(0, 0)
	require.NoError(t, err)

	require.NoError(t, seekToTailLines(f, 100))

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	assert.Equal(t, []string{"a", "b", "c"}, lines)
}
