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

package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/antflydb/captioner/lib/backends"
)

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "Show inference backends and the order they are tried in",
	Long: `Show the registered inference backends, whether each can run here,
and the order used when loading a model.

Examples:
  captioner backends
  captioner backends --backend-priority onnx:cpu,go`,
	Args: cobra.NoArgs,
	RunE: runBackends,
}

func init() {
	rootCmd.AddCommand(backendsCmd)
}

func runBackends(cmd *cobra.Command, args []string) error {
	sm, err := newSessionManager()
	if err != nil {
		return err
	}
	defer func() { _ = sm.Close() }()

	writeBackendTable(os.Stdout, backends.ListRegistered(), sm.Priority())

	gpu := backends.DetectGPU()
	if gpu.Available {
		fmt.Printf("\nGPU: %s (driver %s)\n", gpu.DeviceName, valueOr(gpu.DriverVer, "unknown"))
	} else {
		fmt.Println("\nGPU: none detected")
	}
	return nil
}

// writeBackendTable lists registered backends. ORDER is the position in
// priority, "-" when the backend is not tried.
func writeBackendTable(w io.Writer, registered []backends.Backend, priority []backends.BackendSpec) {
	rank := make(map[backends.BackendType]int, len(priority))
	device := make(map[backends.BackendType]backends.DeviceType, len(priority))
	for i, spec := range priority {
		if _, seen := rank[spec.Backend]; !seen {
			rank[spec.Backend] = i + 1
			device[spec.Backend] = spec.Device
		}
	}

	data := make([][]string, 0, len(registered))
	for _, b := range registered {
		order, dev := "-", "-"
		if r, ok := rank[b.Type()]; ok {
			order = strconv.Itoa(r)
			dev = valueOr(string(device[b.Type()]), string(backends.DeviceAuto))
		}
		data = append(data, []string{order, string(b.Type()), b.Name(), strconv.FormatBool(b.Available()), dev})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ORDER", "BACKEND", "NAME", "AVAILABLE", "DEVICE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
