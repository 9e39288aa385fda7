package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"fleet-execution-manager/internal/watch"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "fleet API base URL")
	interval := flag.Duration("interval", 2*time.Second, "poll interval")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: fleetctl [-server URL] [-interval DURATION] <batch-id>")
		os.Exit(2)
	}

	client := watch.NewClient(*server, 0)
	model := watch.NewModel(client, flag.Arg(0), *interval)
	if _, err := tea.NewProgram(model).Run(); err != nil {
		fmt.Fprintln(os.Stderr, "fleetctl:", err)
		os.Exit(1)
	}
}
