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
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/olekukonko/tablewriter"

	"github.com/antflydb/captioner"
)

// Output formats.
const (
	formatText  = "text"
	formatJSON  = "json"
	formatTable = "table"
)

func validateFormat(format string) error {
	switch format {
	case formatText, formatJSON, formatTable:
		return nil
	}
	return fmt.Errorf("unknown format %q (valid: text, json, table)", format)
}

// jsonResult is the JSON shape of one result.
type jsonResult struct {
	Source       string                  `json:"source"`
	Description  string                  `json:"description,omitempty"`
	Score        float64                 `json:"score,omitempty"`
	Tokens       []int32                 `json:"tokens,omitempty"`
	Finished     bool                    `json:"finished,omitempty"`
	Alternatives []captioner.Alternative `json:"alternatives,omitempty"`
	DurationMs   int64                   `json:"duration_ms,omitempty"`
	Cached       bool                    `json:"cached,omitempty"`
	Error        string                  `json:"error,omitempty"`
}

func toJSONResult(r captioner.Result) jsonResult {
	out := jsonResult{Source: r.Source}
	if r.Err != nil {
		out.Error = r.Err.Error()
		return out
	}
	c := r.Caption
	out.Description = c.Text
	out.Score = c.Score
	out.Tokens = c.Tokens
	out.Finished = c.Finished
	out.Alternatives = c.Alternatives
	out.DurationMs = c.Duration.Milliseconds()
	out.Cached = c.Cached
	return out
}

// writeResults prints batch results in the requested format.
func writeResults(w io.Writer, format string, results []captioner.Result) error {
	switch format {
	case formatJSON:
		out := make([]jsonResult, len(results))
		for i, r := range results {
			out[i] = toJSONResult(r)
		}
		data, err := sonic.ConfigStd.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding results: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err

	case formatTable:
		data := make([][]string, 0, len(results))
		for _, r := range results {
			if r.Err != nil {
				data = append(data, []string{r.Source, "error: " + r.Err.Error(), "", ""})
				continue
			}
			data = append(data, []string{
				r.Source,
				r.Caption.Text,
				fmt.Sprintf("%.3f", r.Caption.Score),
				r.Caption.Duration.Round(time.Millisecond).String(),
			})
		}
		table := tablewriter.NewWriter(w)
		table.SetHeader([]string{"SOURCE", "DESCRIPTION", "SCORE", "TIME"})
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetAutoWrapText(false)
		table.SetHeaderLine(false)
		table.SetBorder(false)
		table.SetNoWhiteSpace(true)
		table.SetTablePadding("    ")
		table.AppendBulk(data)
		table.Render()
		return nil

	default:
		for _, r := range results {
			if err := writeText(w, r); err != nil {
				return err
			}
		}
		return nil
	}
}

// writeText prints one result as
// "<path> \n\tDescription: <caption>\n" followed by a blank line.
func writeText(w io.Writer, r captioner.Result) error {
	var b strings.Builder
	if r.Err != nil {
		fmt.Fprintf(&b, "%s \n\tError: %v\n", r.Source, r.Err)
	} else {
		fmt.Fprintf(&b, "%s \n\tDescription: %s\n", r.Source, r.Caption.Text)
		for _, alt := range r.Caption.Alternatives {
			fmt.Fprintf(&b, "\tAlternative: %s (%.3f)\n", alt.Text, alt.Score)
		}
	}
	b.WriteString("\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// FormatBytes formats bytes as human-readable string
func FormatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
