package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/template"
	"unicode"
	"unicode/utf8"

	"github.com/golang/glog"

	"github.com/seaweedfs/ahm/weed/command"
	_ "github.com/seaweedfs/ahm/weed/kv/leveldb"
	_ "github.com/seaweedfs/ahm/weed/kv/memory"
	_ "github.com/seaweedfs/ahm/weed/kv/redis"
	"github.com/seaweedfs/ahm/weed/util"
)

var commands = command.Commands

var exitStatus = 0

func setExitStatus(n int) {
	if exitStatus < n {
		exitStatus = n
	}
}

func init() {
	flag.Var(&util.ConfigurationFileDirectory, "config_dir", "directory with toml configuration files")
}

func main() {
	flag.Usage = usage
	flag.Parse()
	defer glog.Flush()

	args := flag.Args()
	if len(args) < 1 {
		usage()
	}

	if args[0] == "help" {
		help(args[1:])
		return
	}

	for _, cmd := range commands {
		if cmd.Name() == args[0] && cmd.Run != nil {
			cmd.Flag.Usage = func() { cmd.Usage() }
			cmd.Flag.Parse(args[1:])
			args = cmd.Flag.Args()
			if !cmd.Run(cmd, args) {
				fmt.Fprintf(os.Stderr, "\n")
				cmd.Flag.Usage()
			}
			exit()
			return
		}
	}

	fmt.Fprintf(os.Stderr, "ahm: unknown subcommand %q\nRun 'ahm help' for usage.\n", args[0])
	setExitStatus(2)
	exit()
}

var usageTemplate = `An auto-healing erasure coded storage node.

Usage:

	ahm command [arguments]

The commands are:
{{range .}}{{if .Runnable}}
    {{.Name | printf "%-11s"}} {{.Short}}{{end}}{{end}}

Use "ahm help [command]" for more information about a command.

`

var helpTemplate = `{{if .Runnable}}Usage: ahm {{.UsageLine}}
{{end}}
  {{.Long}}
`

// tmpl executes the given template text on data, writing the result to w.
func tmpl(w io.Writer, text string, data interface{}) {
	t := template.New("top")
	t.Funcs(template.FuncMap{"trim": strings.TrimSpace, "capitalize": capitalize})
	template.Must(t.Parse(text))
	if err := t.Execute(w, data); err != nil {
		panic(err)
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r, n := utf8.DecodeRuneInString(s)
	return string(unicode.ToTitle(r)) + s[n:]
}

func printUsage(w io.Writer) {
	tmpl(w, usageTemplate, commands)
}

func usage() {
	printUsage(os.Stderr)
	fmt.Fprintf(os.Stderr, "For Logging, use \"ahm [logging_options] [command]\". The logging options are:\n")
	flag.PrintDefaults()
	os.Exit(2)
}

// help implements the 'help' command.
func help(args []string) {
	if len(args) == 0 {
		printUsage(os.Stdout)
		// not exit 2: succeeded at 'ahm help'.
		return
	}
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "usage: ahm help command\n\nToo many arguments given.\n")
		os.Exit(2) // failed at 'ahm help'
	}

	arg := args[0]

	for _, cmd := range commands {
		if cmd.Name() == arg {
			tmpl(os.Stdout, helpTemplate, cmd)
			// not exit 2: succeeded at 'ahm help cmd'.
			return
		}
	}

	fmt.Fprintf(os.Stderr, "Unknown help topic %#q.  Run 'ahm help'.\n", arg)
	os.Exit(2) // failed at 'ahm help cmd'
}

func exit() {
	glog.Flush()
	os.Exit(exitStatus)
}
