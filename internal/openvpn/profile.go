// Package openvpn launches and supervises OpenVPN client processes.
package openvpn

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Profile holds the parts of an OpenVPN client profile the daemon cares
// about. The file itself is passed untouched to the binary.
type Profile struct {
	Path         string
	Remotes      []Remote
	Protocol     string // udp, tcp
	Dev          string // tun, tap
	AuthUserPass bool   // profile asks for username/password
}

// Remote is a remote server entry.
type Remote struct {
	Host     string
	Port     int
	Protocol string
}

// InspectProfile reads the OpenVPN profile at path.
func InspectProfile(path string) (*Profile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open profile: %w", err)
	}
	defer file.Close()

	profile := &Profile{
		Path:     path,
		Protocol: "udp",
		Dev:      "tun",
	}

	inline := ""
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Inline blocks such as <ca>...</ca> carry certificates, not directives.
		if inline != "" {
			if strings.EqualFold(line, "</"+inline+">") {
				inline = ""
			}
			continue
		}
		if strings.HasPrefix(line, "<") && strings.HasSuffix(line, ">") && !strings.HasPrefix(line, "</") {
			inline = strings.ToLower(strings.Trim(line, "<>"))
			continue
		}

		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		parts := strings.Fields(line)
		directive := strings.ToLower(parts[0])
		args := parts[1:]

		switch directive {
		case "remote":
			if len(args) == 0 {
				continue
			}
			remote := Remote{Host: args[0], Port: 1194, Protocol: profile.Protocol}
			if len(args) >= 2 {
				if port, err := strconv.Atoi(args[1]); err == nil {
					remote.Port = port
				}
			}
			if len(args) >= 3 {
				remote.Protocol = args[2]
			}
			profile.Remotes = append(profile.Remotes, remote)
		case "proto":
			if len(args) >= 1 {
				profile.Protocol = args[0]
			}
		case "dev":
			if len(args) >= 1 {
				profile.Dev = args[0]
			}
		case "auth-user-pass":
			profile.AuthUserPass = true
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan profile: %w", err)
	}

	return profile, nil
}

// Validate checks that the profile can be handed to the binary.
func (p *Profile) Validate() error {
	if p.Path == "" {
		return fmt.Errorf("profile path is required")
	}
	info, err := os.Stat(p.Path)
	if err != nil {
		return fmt.Errorf("profile not accessible: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("profile %s is a directory", p.Path)
	}
	return nil
}

// PrimaryRemote returns the first remote as host:port, or "" if none.
func (p *Profile) PrimaryRemote() string {
	if len(p.Remotes) == 0 {
		return ""
	}
	r := p.Remotes[0]
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}
