/*
Copyright 2025 the dstack-verifier authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package upstream

import (
	"fmt"
	"regexp"
	"strconv"
)

// versionRe accepts dstack versions as published upstream: three numeric
// parts with an optional fourth build part and an optional "-git<sha>"
// tail, which must end the string (upstream sometimes prefixes "v" or a
// distro name). The anchor rejects strings that merely contain a version.
var versionRe = regexp.MustCompile(`(\d+)\.(\d+)\.(\d+)(?:\.(\d+))?(?:-git[0-9a-f]+)?$`)

// Version is a parsed dstack release version.
type Version struct {
	Major, Minor, Patch, Build int
}

// ParseVersion extracts the trailing version token from s.
func ParseVersion(s string) (Version, error) {
	m := versionRe.FindStringSubmatch(s)
	if m == nil {
		return Version{}, fmt.Errorf("no version in %q", s)
	}
	var v Version
	v.Major, _ = strconv.Atoi(m[1])
	v.Minor, _ = strconv.Atoi(m[2])
	v.Patch, _ = strconv.Atoi(m[3])
	if m[4] != "" {
		v.Build, _ = strconv.Atoi(m[4])
	}
	return v, nil
}

// Compare returns -1, 0 or 1 ordering v against o.
func (v Version) Compare(o Version) int {
	for _, d := range []int{v.Major - o.Major, v.Minor - o.Minor, v.Patch - o.Patch, v.Build - o.Build} {
		if d < 0 {
			return -1
		}
		if d > 0 {
			return 1
		}
	}
	return 0
}

// AtLeast reports whether v >= o.
func (v Version) AtLeast(o Version) bool { return v.Compare(o) >= 0 }

func (v Version) String() string {
	if v.Build > 0 {
		return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Patch, v.Build)
	}
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

var (
	v051 = Version{Major: 0, Minor: 5, Patch: 1}
	v053 = Version{Major: 0, Minor: 5, Patch: 3}
)
