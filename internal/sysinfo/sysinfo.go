// Package sysinfo collects the host facts reported in machine metadata.
package sysinfo

import (
	"os"
	"os/user"
	"runtime"
)

// Info describes the host this daemon runs on.
type Info struct {
	Hostname string
	Platform string
	Arch     string
	Username string
	HomeDir  string
	Shell    string
}

// Collect gathers host information. Every field degrades to empty rather
// than failing: metadata reporting is best-effort.
func Collect() Info {
	info := Info{
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		Shell:    os.Getenv("SHELL"),
	}
	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}
	if u, err := user.Current(); err == nil {
		info.Username = u.Username
		info.HomeDir = u.HomeDir
	}
	if info.HomeDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			info.HomeDir = home
		}
	}
	return info
}
