// Copyright 2023 LiveKit, Inc.
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

package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/livekit/litmus/cmd/cli/commands"
	"github.com/livekit/litmus/pkg/config"
	"github.com/livekit/litmus/version"
)

// command line util that measures the network path to a litmus server
func main() {
	generatedFlags, err := config.GenerateCLIFlags(commands.BaseFlags, true)
	if err != nil {
		fmt.Println(err)
	}

	app := &cli.App{
		Name:    "litmus-cli",
		Usage:   "network quality test client",
		Flags:   append(commands.BaseFlags, generatedFlags...),
		Version: version.Version,
	}
	app.Commands = append(app.Commands, commands.TestCommands...)

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
