package command

import (
	"fmt"
	"runtime"
)

// Version is stamped at build time with -ldflags "-X ...command.Version=".
var Version = "0.1.0"

var cmdVersion = &Command{
	Run:       runVersion,
	UsageLine: "version",
	Short:     "print the version",
	Long:      `Version prints the version of the auto-healing node`,
}

func runVersion(cmd *Command, args []string) bool {
	if len(args) != 0 {
		cmd.Usage()
	}

	fmt.Printf("version %s %s %s\n", Version, runtime.GOOS, runtime.GOARCH)
	return true
}
