package onnx

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLibraryName(t *testing.T) {
	name, err := libraryName()
	require.NoError(t, err)
	switch runtime.GOOS {
	case "linux":
		assert.Equal(t, "libonnxruntime.so", name)
	case "darwin":
		assert.Equal(t, "libonnxruntime.dylib", name)
	case "windows":
		assert.Equal(t, "onnxruntime.dll", name)
	}
}

func TestCandidatePaths_EnvFirst(t *testing.T) {
	t.Setenv(EnvLibraryPath, "/custom/libonnxruntime.so")
	paths := candidatePaths()
	require.NotEmpty(t, paths)
	assert.Equal(t, "/custom/libonnxruntime.so", paths[0])
}
