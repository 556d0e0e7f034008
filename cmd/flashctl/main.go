// Command flashctl is the host-side driver for the serial-line flash
// programming adapter: it reads, erases, CRC-verifies and writes
// arbitrary byte ranges of a target's internal and external flash
// from files on disk.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"

	"flashprog.dev/engine"
	"flashprog.dev/flasherr"
	"flashprog.dev/protocol"
	"flashprog.dev/transport"
)

func main() {
	log.SetFlags(0)
	if err := run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "flashctl: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a *flasherr.Error's Kind to a distinct non-zero exit
// status so scripts can branch without parsing the message. Invalid
// numeric arguments and file read/write failures are Input errors; any
// other error (flag parsing, a missing subcommand or -input, failing to
// open the serial port) exits 1.
func exitCode(err error) int {
	var fe *flasherr.Error
	if !errors.As(err, &fe) {
		return 1
	}
	switch fe.Kind {
	case flasherr.Connection:
		return 10
	case flasherr.Loader:
		return 11
	case flasherr.Bounds:
		return 12
	case flasherr.Protocol:
		return 13
	case flasherr.Integrity:
		return 14
	case flasherr.Transport:
		return 15
	case flasherr.Input:
		return 16
	default:
		return 1
	}
}

var globalFlags = flag.NewFlagSet("flashctl", flag.ContinueOnError)
var portFlag = globalFlags.String("port", "", "serial port to interact with (default: first enumerated port)")

func run(stdout io.Writer, args []string) error {
	if err := globalFlags.Parse(args); err != nil {
		return err
	}
	args = globalFlags.Args()
	if len(args) == 0 {
		return errors.New("missing subcommand (connect, crc, erase, erase-eflash, halt, id, read, read-eflash, reset, run, write, write-eflash)")
	}
	cmd := args[0]
	args = args[1:]

	t, err := transport.Open(*portFlag)
	if err != nil {
		return fmt.Errorf("%w", err)
	}
	defer t.Close()

	client := protocol.New(t)
	eng := engine.New(client)
	eng.Progress = func(format string, a ...any) {
		fmt.Fprintf(stdout, format+"\n", a...)
	}

	switch cmd {
	case "connect":
		return cmdConnect(stdout, eng, args)
	case "crc":
		return cmdCrc(stdout, eng, args)
	case "erase":
		return cmdErase(stdout, eng, args, false)
	case "erase-eflash":
		return cmdErase(stdout, eng, args, true)
	case "halt":
		return cmdEcho(stdout, eng.Halt)
	case "id":
		return cmdEcho(stdout, eng.Id)
	case "run":
		return cmdEcho(stdout, eng.Run)
	case "read":
		return cmdRead(stdout, eng, args, false)
	case "read-eflash":
		return cmdRead(stdout, eng, args, true)
	case "reset":
		return cmdReset(stdout, eng, args)
	case "write":
		return cmdWrite(eng, args, false)
	case "write-eflash":
		return cmdWrite(eng, args, true)
	default:
		return fmt.Errorf("unknown subcommand: %q", cmd)
	}
}

func cmdEcho(stdout io.Writer, f func() (string, error)) error {
	resp, err := f()
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, resp)
	return nil
}

func cmdConnect(stdout io.Writer, eng *engine.Engine, args []string) error {
	fs := flag.NewFlagSet("connect", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	info, err := eng.Connect()
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Target %s\nFlashSize %d\nPageSize %d\n", info.Target, info.FlashSize, info.PageSize)
	keys := make([]string, 0, len(info.Extra))
	for k := range info.Extra {
		if k == "Target" || k == "FlashSize" || k == "PageSize" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(stdout, "%s %s\n", k, info.Extra[k])
	}
	return nil
}

func cmdCrc(stdout io.Writer, eng *engine.Engine, args []string) error {
	fs := flag.NewFlagSet("crc", flag.ContinueOnError)
	addr := fs.String("addr", "0x08000000", "starting address on the target")
	length := fs.String("length", "", "length of the memory region to read (bytes); default: remainder")
	if err := fs.Parse(args); err != nil {
		return err
	}
	addrV, err := parseUint(*addr)
	if err != nil {
		return inputErr("addr", err)
	}
	lenV, err := parseLength(*length)
	if err != nil {
		return inputErr("length", err)
	}
	crc, err := eng.Crc(addrV, lenV)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "0x%08X\n", crc)
	return nil
}

func cmdErase(stdout io.Writer, eng *engine.Engine, args []string, eflash bool) error {
	fs := flag.NewFlagSet("erase", flag.ContinueOnError)
	defaultAddr := "0x08000000"
	if eflash {
		defaultAddr = "0"
	}
	addr := fs.String("addr", defaultAddr, "starting address on the target")
	pagesFlag := fs.String("pages", "", "number of pages to erase; default: all")
	if err := fs.Parse(args); err != nil {
		return err
	}
	addrV, err := parseUint(*addr)
	if err != nil {
		return inputErr("addr", err)
	}
	pages, err := parseLength(*pagesFlag)
	if err != nil {
		return inputErr("pages", err)
	}
	if eflash {
		err = eng.EraseExternal(addrV, pages)
	} else {
		err = eng.EraseInternal(addrV, pages)
	}
	return err
}

func cmdRead(stdout io.Writer, eng *engine.Engine, args []string, eflash bool) error {
	fs := flag.NewFlagSet("read", flag.ContinueOnError)
	defaultAddr := "0x08000000"
	defaultFile := "out.bin"
	if eflash {
		defaultAddr = "0"
		defaultFile = "out-eflash.bin"
	}
	addr := fs.String("addr", defaultAddr, "starting address on the target")
	output := fs.String("output", defaultFile, "output file name")
	length := fs.String("length", "", "length of the memory region to read (bytes); default: remainder")
	if err := fs.Parse(args); err != nil {
		return err
	}
	addrV, err := parseUint(*addr)
	if err != nil {
		return inputErr("addr", err)
	}
	lenV, err := parseLength(*length)
	if err != nil {
		return inputErr("length", err)
	}
	var data []byte
	if eflash {
		data, err = eng.ReadExternal(addrV, lenV)
	} else {
		data, err = eng.ReadInternal(addrV, lenV)
	}
	if err != nil {
		return err
	}
	if err := os.WriteFile(*output, data, 0o644); err != nil {
		return inputErr("output", err)
	}
	return nil
}

func cmdReset(stdout io.Writer, eng *engine.Engine, args []string) error {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	hard := fs.Bool("hard", false, "hard reset")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var resp string
	var err error
	if *hard {
		resp, err = eng.ResetHard()
	} else {
		resp, err = eng.Reset()
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, resp)
	return nil
}

func cmdWrite(eng *engine.Engine, args []string, eflash bool) error {
	fs := flag.NewFlagSet("write", flag.ContinueOnError)
	defaultAddr := "0x08000000"
	if eflash {
		defaultAddr = "0"
	}
	addr := fs.String("addr", defaultAddr, "starting address on the target")
	input := fs.String("input", "", "input file name (required)")
	length := fs.String("length", "", "length of the memory region to write (bytes); default: file size")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *input == "" {
		return errors.New("write: -input is required")
	}
	addrV, err := parseUint(*addr)
	if err != nil {
		return inputErr("addr", err)
	}
	lenV, err := parseLength(*length)
	if err != nil {
		return inputErr("length", err)
	}
	data, err := os.ReadFile(*input)
	if err != nil {
		return inputErr("input", err)
	}
	if eflash {
		return eng.WriteExternal(addrV, data, lenV)
	}
	return eng.WriteInternal(addrV, data, lenV)
}

// parseUint accepts 0x-prefixed hex or plain decimal, via base 0
// autodetection.
func parseUint(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

// parseLength returns nil (meaning "use the default") for an empty
// flag value, otherwise the parsed value.
func parseLength(s string) (*uint32, error) {
	if s == "" {
		return nil, nil
	}
	n, err := parseUint(s)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func inputErr(op string, err error) error {
	return flasherr.New(flasherr.Input, op, err)
}
