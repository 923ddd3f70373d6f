package types

import (
	"runtime"
	"strings"
)

// Architecture is a dpkg architecture name. The zero value is never used as
// a map key; ArchitectureUnknown stands in for records and repositories that
// do not declare one.
type Architecture string

const (
	ArchitectureUnknown Architecture = "unknown"
	ArchitectureAll     Architecture = "all"
)

func ParseArchitecture(value string) Architecture {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return ArchitectureUnknown
	}
	return Architecture(trimmed)
}

func (a Architecture) String() string {
	return string(a)
}

func (a Architecture) Known() bool {
	return a != "" && a != ArchitectureUnknown
}

var goArchToDpkg = map[string]Architecture{
	"amd64":    "amd64",
	"arm64":    "arm64",
	"arm":      "armhf",
	"386":      "i386",
	"ppc64le":  "ppc64el",
	"s390x":    "s390x",
	"riscv64":  "riscv64",
	"loong64":  "loong64",
	"mips64le": "mips64el",
}

// DefaultHostArchitecture maps the running GOARCH onto its dpkg name.
func DefaultHostArchitecture() Architecture {
	if arch, ok := goArchToDpkg[runtime.GOARCH]; ok {
		return arch
	}
	return ParseArchitecture(runtime.GOARCH)
}

// HostArchitectures is what the local package tool can install: one primary
// architecture plus any foreign ones enabled with dpkg --add-architecture.
type HostArchitectures struct {
	Primary Architecture   `yaml:"primary"`
	Foreign []Architecture `yaml:"foreign,omitempty"`
}

func NewHostArchitectures(primary string, foreign []string) HostArchitectures {
	host := HostArchitectures{Primary: ParseArchitecture(primary)}
	if !host.Primary.Known() {
		host.Primary = DefaultHostArchitecture()
	}
	for _, value := range foreign {
		arch := ParseArchitecture(value)
		if !arch.Known() || arch == host.Primary {
			continue
		}
		host.Foreign = append(host.Foreign, arch)
	}
	return host
}

func (h HostArchitectures) isForeign(arch Architecture) bool {
	for _, foreign := range h.Foreign {
		if foreign == arch {
			return true
		}
	}
	return false
}

// Select picks the architecture used to locate Packages files: the primary
// architecture when declared, otherwise the first declared foreign one.
func (h HostArchitectures) Select(declared []Architecture) Architecture {
	for _, arch := range declared {
		if arch == h.Primary {
			return arch
		}
	}
	for _, arch := range declared {
		if h.isForeign(arch) {
			return arch
		}
	}
	return ArchitectureUnknown
}

// Supported returns the declared architectures the host can install, in
// declaration order.
func (h HostArchitectures) Supported(declared []Architecture) []Architecture {
	var out []Architecture
	for _, arch := range declared {
		if arch == h.Primary || h.isForeign(arch) {
			out = append(out, arch)
		}
	}
	return out
}
