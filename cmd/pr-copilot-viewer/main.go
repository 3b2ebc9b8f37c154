// Command pr-copilot-viewer is the terminal dashboard for a monitored PR.
// It tails the status log the agent appends to and writes single-shot
// trigger records (ACTION, EXTEND, or a bare wake-up) back to the agent.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/m-nash/pr-copilot/internal/viewer"
)

func main() {
	logPath := flag.String("log", "", "path to the pr-monitor status log")
	triggerPath := flag.String("trigger", "", "path to the trigger file")
	pidFile := flag.String("pid-file", "", "write the viewer PID here")
	flag.Parse()

	if *logPath == "" {
		fmt.Fprintln(os.Stderr, "--log is required")
		os.Exit(2)
	}
	if *triggerPath == "" {
		// Default next to the log: pr-monitor-<N>.log -> pr-monitor-<N>.trigger
		*triggerPath = strings.TrimSuffix(*logPath, ".log") + ".trigger"
	}

	if *pidFile != "" {
		pid := strconv.Itoa(os.Getpid())
		if err := os.WriteFile(*pidFile, []byte(pid+"\n"), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "writing pid file: %v\n", err)
		}
		defer os.Remove(*pidFile)
	}

	p := tea.NewProgram(viewer.New(*logPath, *triggerPath), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
