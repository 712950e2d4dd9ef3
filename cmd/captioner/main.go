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

// Command captioner describes images with an exported ExpansionNet v2
// captioning model.
//
// Usage:
//
//	captioner describe [image...]      # Caption images from disk
//	captioner watch                    # Caption an HTTP camera until interrupted
//	captioner pull hf:<owner>/<repo>   # Download a model from HuggingFace
//	captioner list                     # List local models
//	captioner backends                 # Show inference backends
package main

import (
	"github.com/antflydb/captioner/cmd/captioner/cmd"
)

// https://goreleaser.com/cookbooks/using-main.version/
var version = "dev"

func main() {
	cmd.Version = version
	cmd.Execute()
}
