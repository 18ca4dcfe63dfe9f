package procmon

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_OpensSelfPID(t *testing.T) {
	s, err := New(int32(os.Getpid()))
	require.NoError(t, err)
	require.NotNil(t, s)
}

func TestNew_UnknownPIDFails(t *testing.T) {
	_, err := New(1 << 30)
	require.Error(t, err)
}

func TestSample_ReturnsMemoryUsage(t *testing.T) {
	s, err := New(int32(os.Getpid()))
	require.NoError(t, err)

	sample, err := s.Sample(context.Background())
	require.NoError(t, err)
	require.Greater(t, sample.MemoryRSSBytes, uint64(0))
}

func TestRunning_TrueForSelf(t *testing.T) {
	s, err := New(int32(os.Getpid()))
	require.NoError(t, err)
	require.True(t, s.Running(context.Background()))
}
