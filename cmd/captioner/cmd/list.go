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

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/antflydb/captioner/lib/modelregistry"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List locally installed models",
	Long: `List captioning models found in the models directory.

Examples:
  captioner list
  captioner list --models-dir /opt/models`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	models, err := modelregistry.ListLocal(modelsDir)
	if err != nil {
		return err
	}
	if len(models) == 0 {
		fmt.Printf("No models found in %s\n", modelsDir)
		fmt.Println("Pull one with: captioner pull hf:<owner>/<repo>")
		return nil
	}
	writeModelTable(os.Stdout, models)
	return nil
}

func writeModelTable(w io.Writer, models []modelregistry.LocalModel) {
	data := make([][]string, 0, len(models))
	for _, m := range models {
		size, source, downloaded := "-", "local", "-"
		if m.Manifest != nil {
			size = FormatBytes(m.Manifest.TotalSize())
			if m.Manifest.Provenance != nil {
				source = m.Manifest.Provenance.DownloadedFrom
				downloaded = m.Manifest.Provenance.DownloadedAt.Format("2006-01-02")
			}
		}
		data = append(data, []string{m.Ref.FullName(), size, source, downloaded})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"NAME", "SIZE", "SOURCE", "PULLED"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}
