// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backends

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

var (
	gpuOnce sync.Once
	gpuInfo GPUInfo
)

// DetectGPU checks if CUDA acceleration is available.
// Results are cached after the first call.
func DetectGPU() GPUInfo {
	gpuOnce.Do(func() {
		switch runtime.GOOS {
		case "linux", "windows":
			gpuInfo = detectCUDA()
		default:
			gpuInfo = GPUInfo{Type: "none"}
		}
	})
	return gpuInfo
}

// IsGPUAvailable returns true if CUDA acceleration is available.
func IsGPUAvailable() bool {
	return DetectGPU().Available
}

func detectCUDA() GPUInfo {
	if info := tryNvidiaSMI(); info.Available {
		return info
	}
	if cudaLibsExist(os.Getenv("LD_LIBRARY_PATH")) {
		return GPUInfo{Available: true, Type: "cuda", DeviceName: "CUDA (libraries detected)"}
	}
	return GPUInfo{Type: "none"}
}

func tryNvidiaSMI() GPUInfo {
	info := GPUInfo{Type: "none"}

	nvidiaSMI, err := exec.LookPath("nvidia-smi")
	if err != nil {
		return info
	}

	cmd := exec.Command(nvidiaSMI, "--query-gpu=name,driver_version", "--format=csv,noheader,nounits") //nolint:gosec // G204: path comes from LookPath
	output, err := cmd.Output()
	if err != nil {
		return info
	}
	return parseNvidiaSMI(string(output))
}

// parseNvidiaSMI parses "GPU Name, Driver Version" lines. Only the first GPU is reported.
func parseNvidiaSMI(output string) GPUInfo {
	line, _, _ := strings.Cut(strings.TrimSpace(output), "\n")
	if line == "" {
		return GPUInfo{Type: "none"}
	}
	info := GPUInfo{Available: true, Type: "cuda"}
	parts := strings.Split(line, ",")
	info.DeviceName = strings.TrimSpace(parts[0])
	if len(parts) >= 2 {
		info.DriverVer = strings.TrimSpace(parts[1])
	}
	return info
}

func cudaLibsExist(ldPath string) bool {
	cudaPaths := []string{
		"/usr/local/cuda/lib64",
		"/usr/lib/x86_64-linux-gnu",
		"/usr/lib64",
	}
	if ldPath != "" {
		cudaPaths = append(strings.Split(ldPath, ":"), cudaPaths...)
	}

	for _, dir := range cudaPaths {
		if dir == "" {
			continue
		}
		if matches, _ := filepath.Glob(filepath.Join(dir, "libcudart.so*")); len(matches) > 0 {
			return true
		}
	}
	return false
}

// ShouldUseGPU determines if GPU should be used based on mode and availability.
func ShouldUseGPU(mode GPUMode) bool {
	switch mode {
	case GPUModeOff:
		return false
	case GPUModeCuda:
		return true // forced; fails at session creation if CUDA is missing
	default:
		return IsGPUAvailable()
	}
}
