// Package openvpntest provides a scriptable stand-in for the OpenVPN binary.
//
// Test packages call Main from TestMain. When the test binary is launched by
// a Supervisor configured with Binary() and Env(), it reads the --config
// file and plays it back as a script instead of running tests:
//
//	print-auth     echo the credential file passed via --auth-user-pass
//	ignore-term    ignore SIGTERM from here on
//	sleep          block until killed
//	sleep <dur>    pause for a duration
//	spawn-child    start a detached fake that ignores SIGTERM and sleeps,
//	               then print "child-pid <pid>"
//	exit <code>    exit with code
//	anything else  printed verbatim to stdout
package openvpntest

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

// EnvFake switches the test binary into fake OpenVPN mode.
const EnvFake = "TUNNELKEEPER_FAKE_OPENVPN"

// Main runs the fake binary and exits if the process was started as one.
// It returns normally otherwise.
func Main() {
	if os.Getenv(EnvFake) != "1" {
		return
	}
	os.Exit(run(os.Args[1:]))
}

// Binary returns the path of the running test binary.
func Binary() string {
	exe, err := os.Executable()
	if err != nil {
		return os.Args[0]
	}
	return exe
}

// Env returns the environment entries that enable fake mode.
func Env() []string {
	return []string{EnvFake + "=1"}
}

// WriteProfile writes a script profile into dir and returns its path.
func WriteProfile(t testing.TB, dir string, lines ...string) string {
	t.Helper()
	f, err := os.CreateTemp(dir, "profile-*.ovpn")
	if err != nil {
		t.Fatalf("create profile: %v", err)
	}
	defer f.Close()

	if _, err := f.WriteString(strings.Join(lines, "\n") + "\n"); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	return filepath.Clean(f.Name())
}

func run(args []string) int {
	var configPath, authPath string
	for i := 0; i < len(args)-1; i++ {
		switch args[i] {
		case "--config":
			configPath = args[i+1]
		case "--auth-user-pass":
			authPath = args[i+1]
		}
	}
	if configPath == "" {
		fmt.Fprintln(os.Stderr, "Options error: no --config given")
		return 1
	}

	f, err := os.Open(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Options error: %v\n", err)
		return 1
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		cmd, arg, _ := strings.Cut(line, " ")

		switch cmd {
		case "print-auth":
			data, err := os.ReadFile(authPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "auth read failed: %v\n", err)
				return 1
			}
			fmt.Print(string(data))
		case "spawn-child":
			pid, err := spawnChild(filepath.Dir(configPath))
			if err != nil {
				fmt.Fprintf(os.Stderr, "spawn child failed: %v\n", err)
				return 1
			}
			fmt.Printf("child-pid %d\n", pid)
		case "ignore-term":
			signal.Ignore(syscall.SIGTERM)
		case "sleep":
			if arg == "" {
				for {
					time.Sleep(time.Hour)
				}
			}
			d, err := time.ParseDuration(arg)
			if err == nil {
				time.Sleep(d)
			}
		case "exit":
			code, err := strconv.Atoi(arg)
			if err != nil {
				code = 1
			}
			return code
		default:
			fmt.Println(line)
		}
	}
	return 0
}

// spawnChild starts another fake in its own process group, so signals sent
// to the parent's group do not reach it.
func spawnChild(dir string) (int, error) {
	script := filepath.Join(dir, "child.ovpn")
	if err := os.WriteFile(script, []byte("ignore-term\nsleep\n"), 0600); err != nil {
		return 0, err
	}

	cmd := exec.Command(Binary(), "--config", script)
	cmd.Env = append(os.Environ(), Env()...)
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	return cmd.Process.Pid, nil
}
