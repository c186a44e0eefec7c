// kcore exercises the buffer cache and the page allocator from the command
// line.
//
// Usage:
//
//	kcore bench [flags]   Run a concurrent cache and allocator workload
//	kcore shell [flags]   Interactive console over a booted kernel
//
// Devices are selected with --device:
//
//	mem                            RAM disk
//	file:PATH                      file-backed disk
//	local:DIR                      one file per block under DIR
//	s3://BUCKET/PREFIX             one object per block (AWS default credentials)
//	minio://HOST/BUCKET/PREFIX     one object per block (MINIO_ACCESS_KEY, MINIO_SECRET_KEY)
//	dynamodb://TABLE/PREFIX        one item per block (AWS default credentials)
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// Exit codes.
const (
	exitOK    = 0
	exitError = 1
	exitFault = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Stdout, os.Stderr, os.Args[1:])
	stop()
	os.Exit(code)
}

func run(ctx context.Context, stdout, stderr io.Writer, args []string) int {
	cmds := []*Command{benchCommand(), shellCommand()}

	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage(stderr, cmds)
		if len(args) == 0 {
			return exitError
		}
		return exitOK
	}

	for _, c := range cmds {
		if c.Name() == args[0] {
			return c.Run(ctx, stdout, stderr, args[1:])
		}
	}

	fmt.Fprintf(stderr, "error: unknown command %q\n\n", args[0])
	printUsage(stderr, cmds)
	return exitError
}

func printUsage(w io.Writer, cmds []*Command) {
	fmt.Fprintln(w, "Usage: kcore <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, c := range cmds {
		fmt.Fprintln(w, c.HelpLine())
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run 'kcore <command> --help' for command flags.")
}
