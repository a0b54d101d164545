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

//go:build mage
// +build mage

package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/magefile/mage/mg"

	"github.com/livekit/mageutil"
)

const goChecksumFile = ".checksumgo"

var binaries = map[string]string{
	"cmd/server": "litmus-server",
	"cmd/cli":    "litmus-cli",
}

// Default target to run when none is specified
// If not set, running mage will list available targets
var (
	Default     = Build
	checksummer = mageutil.NewChecksummer(".", goChecksumFile, ".go", ".mod")
)

// builds litmus-server and litmus-cli
func Build() error {
	if !checksummer.IsChanged() {
		fmt.Println("up to date")
		return nil
	}

	fmt.Println("building...")
	if err := os.MkdirAll("bin", 0755); err != nil {
		return err
	}
	for dir, name := range binaries {
		if err := mageutil.RunDir(context.Background(), dir, "go build -o ../../bin/"+name); err != nil {
			return err
		}
	}

	checksummer.WriteChecksum()
	return nil
}

// builds binaries that run on linux amd64
func BuildLinux() error {
	fmt.Println("building...")
	if err := os.MkdirAll("bin", 0755); err != nil {
		return err
	}
	for dir, name := range binaries {
		cmd := mageutil.CommandDir(context.Background(), dir, "go build -buildvcs=false -o ../../bin/"+name+"-amd64")
		cmd.Env = []string{
			"GOOS=linux",
			"GOARCH=amd64",
			"HOME=" + os.Getenv("HOME"),
			"GOPATH=" + os.Getenv("GOPATH"),
		}
		if err := cmd.Run(); err != nil {
			return err
		}
	}
	return nil
}

// run unit tests, skipping the end to end session
func Test() error {
	mg.Deps(setULimit)
	return mageutil.Run(context.Background(), "go test -short ./... -count=1")
}

// run all tests with the race detector
func TestAll() error {
	mg.Deps(setULimit)
	cmd := exec.Command("go", "test", "./...", "-count=1", "-race", "-timeout=4m", "-v")
	mageutil.ConnectStd(cmd)
	return cmd.Run()
}

// cleans up builds
func Clean() {
	fmt.Println("cleaning...")
	os.RemoveAll("bin")
	os.Remove(goChecksumFile)
}
