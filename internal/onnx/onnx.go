// Package onnx bootstraps the ONNX Runtime shared library and builds
// inference sessions for the region-extraction model.
package onnx

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// EnvLibraryPath overrides the ONNX Runtime shared library location.
const EnvLibraryPath = "IDEX_ONNX_LIBRARY"

var initOnce sync.Once

// libraryName returns the platform shared-library filename.
func libraryName() (string, error) {
	switch runtime.GOOS {
	case "linux":
		return "libonnxruntime.so", nil
	case "darwin":
		return "libonnxruntime.dylib", nil
	case "windows":
		return "onnxruntime.dll", nil
	default:
		return "", fmt.Errorf("unsupported OS: %s", runtime.GOOS)
	}
}

// candidatePaths lists locations probed for the runtime library.
func candidatePaths() []string {
	name, err := libraryName()
	if err != nil {
		return nil
	}
	paths := []string{}
	if env := os.Getenv(EnvLibraryPath); env != "" {
		paths = append(paths, env)
	}
	switch runtime.GOOS {
	case "linux":
		paths = append(paths,
			filepath.Join("/usr/lib", name),
			filepath.Join("/usr/local/lib", name),
			filepath.Join("/usr/lib/x86_64-linux-gnu", name),
		)
	case "darwin":
		paths = append(paths,
			filepath.Join("/opt/homebrew/lib", name),
			filepath.Join("/usr/local/lib", name),
		)
	}
	paths = append(paths, filepath.Join("onnxruntime", "lib", name))
	return paths
}

// EnsureInitialized locates the shared library and initializes the
// runtime environment once per process.
func EnsureInitialized() error {
	var initErr error
	initOnce.Do(func() {
		if !ort.IsInitialized() {
			for _, p := range candidatePaths() {
				if _, err := os.Stat(p); err == nil {
					ort.SetSharedLibraryPath(p)
					break
				}
			}
			if err := ort.InitializeEnvironment(); err != nil {
				initErr = fmt.Errorf("initialize ONNX Runtime: %w", err)
			}
		}
	})
	return initErr
}

// NewSession creates a dynamic session for the given model with the
// requested intra-op thread count.
func NewSession(modelPath string, inputs, outputs []string, numThreads int) (*ort.DynamicAdvancedSession, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer func() { _ = opts.Destroy() }()

	if numThreads > 0 {
		if err := opts.SetIntraOpNumThreads(numThreads); err != nil {
			return nil, fmt.Errorf("set thread count: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputs, outputs, opts)
	if err != nil {
		return nil, fmt.Errorf("create ONNX session for %q: %w", modelPath, err)
	}
	return session, nil
}
