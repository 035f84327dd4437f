// Command nxjit is meant to be built as a DLL and loaded into a process
// before its code starts running, usually by starting it suspended and
// injecting the DLL. When loaded it strips execute permission from the
// process's executable and installs the fault handler, so everything the
// executable runs from then on runs from the code cache.
//
//	go build -buildmode=c-shared -o nxjit.dll ./cmd/nxjit
//
// Configuration comes from the environment, see nxjit.ConfigFromEnv.
package main

import (
	"fmt"
	"os"

	"github.com/pboyd/nxjit"
)

var engine *nxjit.Engine

func init() {
	if err := attach(); err != nil {
		fmt.Fprintf(os.Stderr, "nxjit: %v\n", err)
	}
}

func attach() error {
	cfg, err := nxjit.ConfigFromEnv()
	if err != nil {
		return err
	}

	opts, err := cfg.Options()
	if err != nil {
		return err
	}

	base, err := nxjit.MainModule()
	if err != nil {
		return fmt.Errorf("finding main module: %w", err)
	}

	engine = nxjit.New(opts...)

	if _, err := engine.AttachModule(base); err != nil {
		return fmt.Errorf("attaching to %#x: %w", base, err)
	}

	return engine.Install()
}

func main() {}
