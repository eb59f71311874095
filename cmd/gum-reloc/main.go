// The gum-reloc tool relocates a block of raw x86 machine code from one
// address to another and prints the rewritten bytes together with the
// offset mapping. It exercises the decoder, writer and relocator without
// touching live memory.
package main

import (
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"log"
	"os"

	"github.com/mewkiz/pkg/term"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/sangohan/frida-gum/bin"
	"github.com/sangohan/frida-gum/x86"
)

var (
	// dbg is a logger which logs debug messages with "gum-reloc:" prefix to
	// standard error.
	dbg = log.New(os.Stderr, term.MagentaBold("gum-reloc:")+" ", 0)
)

func main() {
	app := cli.NewApp()
	app.Name = "gum-reloc"
	app.Usage = "relocate raw x86 machine code between addresses"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "in",
			Usage: "input file holding raw machine code",
		},
		cli.StringFlag{
			Name:  "addr",
			Usage: "address the input code executes at",
			Value: "0x0",
		},
		cli.StringFlag{
			Name:  "dest",
			Usage: "address the output code will execute at",
			Value: "0x0",
		},
		cli.IntFlag{
			Name:  "bytes",
			Usage: "minimum number of input bytes to cover",
			Value: 5,
		},
		cli.IntFlag{
			Name:  "mode",
			Usage: "processor mode (32 or 64)",
			Value: 64,
		},
		cli.BoolFlag{
			Name:  "q",
			Usage: "suppress non-error messages",
		},
	}
	app.Action = relocate
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%+v", err)
	}
}

// relocate reads the input block, relocates its leading instructions and
// prints the result.
func relocate(c *cli.Context) error {
	if c.Bool("q") {
		dbg.SetOutput(ioutil.Discard)
	}
	mode := x86.Mode(c.Int("mode"))
	if mode != x86.ModeIA32 && mode != x86.ModeX64 {
		return errors.Errorf("invalid processor mode %d; expected 32 or 64", c.Int("mode"))
	}
	var src, dst bin.Addr
	if err := src.Set(c.String("addr")); err != nil {
		return errors.WithStack(err)
	}
	if err := dst.Set(c.String("dest")); err != nil {
		return errors.WithStack(err)
	}
	inPath := c.String("in")
	if len(inPath) == 0 {
		return errors.New("no input file; see -in flag")
	}
	input, err := ioutil.ReadFile(inPath)
	if err != nil {
		return errors.WithStack(err)
	}
	dbg.Printf("relocate(in = %q, addr = %v, dest = %v)", inPath, src, dst)
	min := c.Int("bytes")
	n := x86.CanRelocate(input, src, min, mode)
	if n == 0 {
		return errors.Errorf("unable to relocate %d bytes at %v", min, src)
	}
	out := make([]byte, len(input)*4+64)
	w := x86.NewWriter(out, dst, mode)
	rl := x86.NewRelocator(input, src, w)
	for read := 0; read < n; {
		r, err := rl.ReadOne()
		if err != nil {
			return errors.WithStack(err)
		}
		if r == 0 {
			break
		}
		read = r
	}
	if _, err := rl.WriteAll(); err != nil {
		return errors.WithStack(err)
	}
	if err := w.Flush(); err != nil {
		return errors.WithStack(err)
	}
	fmt.Printf("input  (%d bytes at %v):\n%s\n", n, src, hex.Dump(input[:n]))
	fmt.Printf("output (%d bytes at %v):\n%s\n", w.Offset(), dst, hex.Dump(w.Code()))
	fmt.Println("mapping:")
	for _, e := range rl.Mapping() {
		fmt.Printf("\t%#04x -> %#04x\n", e.In, e.Out)
	}
	return nil
}
