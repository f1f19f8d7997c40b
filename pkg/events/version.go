package events

import (
	"runtime"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
)

// MaxMessageVersion is the newest schema version this package understands.
const MaxMessageVersion uint32 = 8

var messageVersions = []struct {
	constraint *semver.Constraints
	version    uint32
}{
	{mustConstraint(">= 15.0.0"), 8},
	{mustConstraint(">= 14.0.0"), 7},
	{mustConstraint(">= 13.0.0"), 6},
	{mustConstraint(">= 12.0.0"), 5},
	{mustConstraint(">= 11.0.0"), 4},
	{mustConstraint(">= 10.15.4"), 3},
	{mustConstraint(">= 10.15.1"), 2},
	{mustConstraint(">= 10.15.0"), 1},
}

func mustConstraint(c string) *semver.Constraints {
	constraint, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return constraint
}

// MessageVersionForOS maps an OS product version such as "14.2.1" to the
// message schema version that release delivers. Unparseable or older
// releases map to 1, the smallest field set.
func MessageVersionForOS(osVersion string) uint32 {
	v, err := semver.NewVersion(strings.TrimSpace(osVersion))
	if err != nil {
		return 1
	}
	// pre-release builds report the version they will ship as
	if v.Prerelease() != "" {
		if stripped, err := v.SetPrerelease(""); err == nil {
			v = &stripped
		}
	}
	for _, mv := range messageVersions {
		if mv.constraint.Check(v) {
			return mv.version
		}
	}
	return 1
}

var (
	osVersionMu       sync.Mutex
	osVersionOverride string
	hostMessageVer    uint32
)

// SetOSVersion overrides the detected OS version. An empty string restores
// detection.
func SetOSVersion(v string) {
	osVersionMu.Lock()
	defer osVersionMu.Unlock()
	osVersionOverride = v
	hostMessageVer = 0
}

// ESMessageVersionForOS returns the schema version delivered on this host.
// Hosts without a native event source (replay on Linux) get
// MaxMessageVersion so synthetic messages keep every field.
func ESMessageVersionForOS() uint32 {
	osVersionMu.Lock()
	defer osVersionMu.Unlock()
	if hostMessageVer != 0 {
		return hostMessageVer
	}
	osVersion := osVersionOverride
	if osVersion == "" {
		osVersion = productVersion()
	}
	if osVersion == "" {
		hostMessageVer = MaxMessageVersion
	} else {
		hostMessageVer = MessageVersionForOS(osVersion)
	}
	logger.L().Debug("event schema version",
		helpers.String("os", runtime.GOOS),
		helpers.String("osVersion", osVersion),
		helpers.Int("version", int(hostMessageVer)))
	return hostMessageVer
}
