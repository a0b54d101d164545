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

package commands

import (
	"github.com/urfave/cli/v2"
)

var (
	BaseFlags = []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "path to litmus config file",
		},
		&cli.StringFlag{
			Name:    "config-body",
			Usage:   "litmus config in YAML",
			EnvVars: []string{"LITMUS_CONFIG"},
		},
		&cli.StringSliceFlag{
			Name:  "ice-server",
			Usage: "ICE server URL, use flag multiple times to specify multiple servers",
		},
		&cli.BoolFlag{
			Name:  "probe",
			Usage: "run a STUN capability probe before connecting",
		},
		&cli.BoolFlag{
			Name:  "dev",
			Usage: "sets log-level to debug",
		},
	}

	hostFlag = &cli.StringFlag{
		Name:  "host",
		Usage: "litmus server address, optionally with a path prefix",
		Value: "localhost:7880",
	}
	secureFlag = &cli.BoolFlag{
		Name:  "secure",
		Usage: "connect with wss",
	}
)
