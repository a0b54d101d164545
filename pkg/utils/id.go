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

package utils

import (
	"crypto/rand"

	"github.com/jxskiss/base62"
)

const (
	NodePrefix       = "LN_"
	ConnectionPrefix = "LC_"

	guidBytes = 12
)

func NewGuid(prefix string) string {
	b := make([]byte, guidBytes)
	// crypto/rand does not fail on supported platforms
	_, _ = rand.Read(b)
	return prefix + base62.EncodeToString(b)
}
