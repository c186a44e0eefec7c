package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/hupe1980/kcore"
	"github.com/hupe1980/kcore/bcache"
	"github.com/hupe1980/kcore/cpu"
	"github.com/hupe1980/kcore/kalloc"
)

func shellCommand() *Command {
	var b bootFlags
	fs := flag.NewFlagSet("shell", flag.ContinueOnError)
	b.register(fs)

	return &Command{
		Flags: fs,
		Usage: "shell [flags]",
		Short: "Interactive console over a booted kernel",
		Long: `Boots a kernel with --device attached as device 1 and reads commands.
Buffers and frames obtained in the shell are referred to by handle
(b1, b2, ... and f1, f2, ...). Type 'help' for the command list.`,
		Exec: func(ctx context.Context, stdout, stderr io.Writer, _ []string) error {
			k, err := b.boot(ctx, stderr, exitHalter(stderr, os.Exit))
			if err != nil {
				return err
			}
			defer k.Shutdown(context.Background()) //nolint:errcheck

			return newShell(k, stdout).Run(ctx)
		},
	}
}

// heldBuf is a buffer handle owned by the shell.
type heldBuf struct {
	buf  *bcache.Buf
	pins int
}

// shell interprets console commands against a kernel. It tracks every
// buffer and frame it hands out so misuse is reported instead of halting.
type shell struct {
	k      *kcore.Kernel
	out    io.Writer
	bufs   map[int]*heldBuf
	frames map[int]*kalloc.Frame
	next   int
	liner  *liner.State
}

func newShell(k *kcore.Kernel, out io.Writer) *shell {
	return &shell{
		k:      k,
		out:    out,
		bufs:   make(map[int]*heldBuf),
		frames: make(map[int]*kalloc.Frame),
	}
}

var shellCommands = []string{
	"read", "write", "dump", "release", "pin", "unpin", "held",
	"alloc", "free", "stats", "slots", "audit", "help", "exit", "quit", "q",
}

// historyFile returns the path to the history file.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".kcore_history")
}

// Run starts the read-eval loop.
func (s *shell) Run(ctx context.Context) error {
	s.liner = liner.NewLiner()
	defer s.liner.Close()

	s.liner.SetCtrlCAborts(true)
	s.liner.SetCompleter(completer)

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = s.liner.ReadHistory(f)
		f.Close()
	}
	defer s.saveHistory()

	cfg := s.k.Config()
	fmt.Fprintf(s.out, "kcore shell (cores=%d, buffers=%d, block_size=%d, frames=%d)\n",
		cfg.NumCores, cfg.Cache.NumBuffers, cfg.Cache.BlockSize, s.k.Memory.NumFrames())
	fmt.Fprintln(s.out, "Type 'help' for available commands.")

	for {
		line, err := s.liner.Prompt("kcore> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(s.out)
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		s.liner.AppendHistory(line)

		quit, err := s.exec(ctx, line)
		if err != nil {
			fmt.Fprintln(s.out, "error:", err)
		}
		if quit {
			return nil
		}
	}
}

func (s *shell) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			_, _ = s.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func completer(line string) []string {
	var completions []string
	lower := strings.ToLower(line)
	for _, cmd := range shellCommands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}
	return completions
}

// exec runs one command line.
func (s *shell) exec(ctx context.Context, line string) (quit bool, err error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false, nil
	}
	cmd, args := strings.ToLower(parts[0]), parts[1:]

	switch cmd {
	case "exit", "quit", "q":
		return true, nil
	case "help", "?":
		s.printHelp()
		return false, nil
	case "read":
		return false, s.cmdRead(ctx, args)
	case "write":
		return false, s.cmdWrite(ctx, args)
	case "dump":
		return false, s.cmdDump(args)
	case "release":
		return false, s.cmdRelease(args)
	case "pin":
		return false, s.cmdPin(args, true)
	case "unpin":
		return false, s.cmdPin(args, false)
	case "held":
		s.cmdHeld()
		return false, nil
	case "alloc":
		return false, s.cmdAlloc(args)
	case "free":
		return false, s.cmdFree(args)
	case "stats":
		return false, s.cmdStats()
	case "slots":
		s.cmdSlots()
		return false, nil
	case "audit":
		if err := s.k.Audit(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(s.out, "audit ok")
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %q (type 'help' for commands)", cmd)
	}
}

func (s *shell) printHelp() {
	fmt.Fprintln(s.out, "Commands:")
	fmt.Fprintln(s.out, "  read <dev> <block>     Read a block and hold its buffer")
	fmt.Fprintln(s.out, "  write <bN> <text>      Copy text into a held buffer and write it")
	fmt.Fprintln(s.out, "  dump <bN>              Hex dump a held buffer")
	fmt.Fprintln(s.out, "  release <bN>           Release a held buffer")
	fmt.Fprintln(s.out, "  pin <bN> / unpin <bN>  Add or drop an extra reference")
	fmt.Fprintln(s.out, "  held                   List buffer and frame handles")
	fmt.Fprintln(s.out, "  alloc [cpu]            Allocate a frame, optionally on a given core")
	fmt.Fprintln(s.out, "  free <fN>              Free a frame")
	fmt.Fprintln(s.out, "  stats                  Print kernel counters as JSON")
	fmt.Fprintln(s.out, "  slots                  Print the buffer pool")
	fmt.Fprintln(s.out, "  audit                  Check cache and allocator invariants")
	fmt.Fprintln(s.out, "  help                   Show this help")
	fmt.Fprintln(s.out, "  exit / quit / q        Exit")
}

func (s *shell) handle(arg, prefix string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(arg, prefix))
	if err != nil || !strings.HasPrefix(arg, prefix) {
		return 0, fmt.Errorf("invalid handle %q, want %s<n>", arg, prefix)
	}
	return n, nil
}

func (s *shell) buf(arg string) (int, *heldBuf, error) {
	h, err := s.handle(arg, "b")
	if err != nil {
		return 0, nil, err
	}
	hb, ok := s.bufs[h]
	if !ok {
		return 0, nil, fmt.Errorf("no buffer b%d", h)
	}
	return h, hb, nil
}

func parseUint32(name, s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}
	return uint32(v), nil
}

func (s *shell) cmdRead(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: read <dev> <block>")
	}
	dev, err := parseUint32("dev", args[0])
	if err != nil {
		return err
	}
	blockno, err := parseUint32("block", args[1])
	if err != nil {
		return err
	}

	for h, hb := range s.bufs {
		if hb.buf.Holding() && hb.buf.Dev() == dev && hb.buf.BlockNo() == blockno {
			return fmt.Errorf("dev %d block %d is already held as b%d", dev, blockno, h)
		}
	}
	if len(s.bufs) >= s.k.Config().Cache.NumBuffers {
		return errors.New("every buffer is referenced; release or unpin one first")
	}

	b, err := s.k.Cache.Read(ctx, dev, blockno)
	if err != nil {
		return err
	}
	s.next++
	s.bufs[s.next] = &heldBuf{buf: b}
	fmt.Fprintf(s.out, "b%d: %s\n", s.next, b)
	return nil
}

func (s *shell) cmdWrite(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: write <bN> <text>")
	}
	h, hb, err := s.buf(args[0])
	if err != nil {
		return err
	}
	if !hb.buf.Holding() {
		return fmt.Errorf("b%d is released", h)
	}
	text := strings.Join(args[1:], " ")
	n := copy(hb.buf.Data(), text)
	if err := s.k.Cache.Write(ctx, hb.buf); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "b%d: wrote %d bytes\n", h, n)
	return nil
}

func (s *shell) cmdDump(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: dump <bN>")
	}
	h, hb, err := s.buf(args[0])
	if err != nil {
		return err
	}
	data := hb.buf.Data()
	if data == nil {
		return fmt.Errorf("b%d is released", h)
	}
	// Trailing zero lines are elided.
	end := len(data)
	for end > 0 && data[end-1] == 0 {
		end--
	}
	end = min(len(data), (end+15)/16*16)
	if end == 0 {
		fmt.Fprintf(s.out, "b%d: %d zero bytes\n", h, len(data))
		return nil
	}
	fmt.Fprint(s.out, hex.Dump(data[:end]))
	return nil
}

func (s *shell) cmdRelease(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: release <bN>")
	}
	h, hb, err := s.buf(args[0])
	if err != nil {
		return err
	}
	if !hb.buf.Holding() {
		return fmt.Errorf("b%d is already released", h)
	}
	s.k.Cache.Release(hb.buf)
	if hb.pins == 0 {
		delete(s.bufs, h)
	}
	fmt.Fprintf(s.out, "b%d: released\n", h)
	return nil
}

func (s *shell) cmdPin(args []string, pin bool) error {
	if len(args) != 1 {
		return errors.New("usage: pin|unpin <bN>")
	}
	h, hb, err := s.buf(args[0])
	if err != nil {
		return err
	}
	if pin {
		s.k.Cache.Pin(hb.buf)
		hb.pins++
	} else {
		if hb.pins == 0 {
			return fmt.Errorf("b%d is not pinned", h)
		}
		s.k.Cache.Unpin(hb.buf)
		hb.pins--
		if hb.pins == 0 && !hb.buf.Holding() {
			delete(s.bufs, h)
		}
	}
	fmt.Fprintf(s.out, "b%d: pins=%d\n", h, hb.pins)
	return nil
}

func (s *shell) cmdHeld() {
	for _, h := range sortedKeys(s.bufs) {
		hb := s.bufs[h]
		state := "held"
		if !hb.buf.Holding() {
			state = "released"
		}
		fmt.Fprintf(s.out, "b%d  %s  %s  pins=%d\n", h, hb.buf, state, hb.pins)
	}
	for _, h := range sortedKeys(s.frames) {
		fmt.Fprintf(s.out, "f%d  %s\n", h, s.frames[h].Addr())
	}
}

func (s *shell) cmdAlloc(args []string) error {
	var (
		f   *kalloc.Frame
		err error
		id  int
	)
	switch len(args) {
	case 0:
		s.k.Cores.Do(func(tok *cpu.Token) {
			id = tok.ID()
			f, err = s.k.Memory.AllocOn(tok)
		})
	case 1:
		id, err = strconv.Atoi(args[0])
		if err != nil || id < 0 || id >= s.k.Cores.N() {
			return fmt.Errorf("invalid cpu %q, want 0..%d", args[0], s.k.Cores.N()-1)
		}
		s.k.Cores.DoOn(id, func(tok *cpu.Token) {
			f, err = s.k.Memory.AllocOn(tok)
		})
	default:
		return errors.New("usage: alloc [cpu]")
	}
	if err != nil {
		return err
	}
	s.next++
	s.frames[s.next] = f
	fmt.Fprintf(s.out, "f%d: %s on cpu %d\n", s.next, f.Addr(), id)
	return nil
}

func (s *shell) cmdFree(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: free <fN>")
	}
	h, err := s.handle(args[0], "f")
	if err != nil {
		return err
	}
	f, ok := s.frames[h]
	if !ok {
		return fmt.Errorf("no frame f%d", h)
	}
	delete(s.frames, h)
	s.k.Memory.Free(f)
	fmt.Fprintf(s.out, "f%d: freed\n", h)
	return nil
}

func (s *shell) cmdStats() error {
	data, err := json.MarshalIndent(s.k.Stats(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, string(data))
	return nil
}

func (s *shell) cmdSlots() {
	fmt.Fprintf(s.out, "%-5s %-6s %-5s %-8s %-6s %-10s %s\n", "slot", "bucket", "dev", "block", "refcnt", "last_use", "locked")
	for _, si := range s.k.Cache.Snapshot() {
		fmt.Fprintf(s.out, "%-5d %-6d %-5d %-8d %-6d %-10d %v\n",
			si.Slot, si.Bucket, si.Dev, si.BlockNo, si.RefCnt, si.LastUse, si.Locked)
	}
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
