package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// printBanner prints a short, colorized startup summary when stdout is a
// terminal; a TTY-unaware caller (systemd, a log shipper) gets a plain
// version with the colors stripped rather than raw escape codes.
func printBanner(role, nodeID, clusterID, dataDir string) {
	isTTY := isatty.IsTerminal(os.Stdout.Fd())
	color.NoColor = !isTTY

	bold := color.New(color.Bold)
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)

	bold.Println("xpd")
	fmt.Printf("  %s %s\n", cyan.Sprint("role:"), green.Sprint(role))
	fmt.Printf("  %s %s\n", cyan.Sprint("node:"), nodeID)
	fmt.Printf("  %s %s\n", cyan.Sprint("cluster:"), clusterID)
	fmt.Printf("  %s %s\n", cyan.Sprint("data dir:"), dataDir)
	fmt.Println()
}
