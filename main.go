package main

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/vlah02/miniHypervisor/config"
	"github.com/vlah02/miniHypervisor/fileport"
	"github.com/vlah02/miniHypervisor/flag"
	"github.com/vlah02/miniHypervisor/machine"
	"github.com/vlah02/miniHypervisor/pty"
)

var log = logrus.WithField("component", "supervisor")

// stdio is the console channel of a lone guest running on the
// process's own terminal.
type stdio struct {
	io.Reader
	io.Writer
}

func main() {
	opts, err := flag.ParseArgs(os.Args)
	if err != nil {
		log.Fatalf("%v", err)
	}

	if opts.File != "" {
		man, err := config.Load(opts.File)
		if err != nil {
			log.Fatalf("%v", err)
		}

		// Explicit flags win over the manifest.
		if opts.MemoryMiB == 0 {
			opts.MemoryMiB = man.MemoryMiB
		}

		if opts.Page == 0 {
			opts.Page = man.Page
		}

		if len(opts.Images) == 0 {
			opts.Images = man.Guests
		}
	}

	if opts.MemoryMiB == 0 {
		opts.MemoryMiB = 4
	}

	if opts.MemoryMiB%2 != 0 {
		log.Fatalf("memory %d MiB is not a multiple of 2", opts.MemoryMiB)
	}

	pageKind := machine.Page2M
	if opts.Page == 4 {
		pageKind = machine.Page4K
	}

	if len(opts.Images) == 0 {
		log.Fatal("no guest images; list them after --guest")
	}

	vmm, err := machine.OpenVMM(machine.DefaultKVMPath)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer vmm.Close()

	// One process-wide mutex serializes file operations across all
	// guests.
	var fileMu sync.Mutex

	guests := make([]*machine.Machine, 0, len(opts.Images))

	for i, path := range opts.Images {
		var console io.ReadWriter

		if len(opts.Images) == 1 {
			console = stdio{os.Stdin, os.Stdout}
		} else {
			p, err := pty.Open()
			if err != nil {
				log.Fatalf("guest %d: %v", i, err)
			}
			defer p.Close()

			log.WithField("guest", i).Infof("console at %s", p.SlaveName())
			console = p
		}

		g, err := machine.New(vmm, machine.Config{
			ID:      i,
			MemSize: opts.MemoryMiB << 20,
			Page:    pageKind,
			Console: console,
			Files:   fileport.New(i, &fileMu),
		})
		if err != nil {
			log.Fatalf("guest %d: %v", i, err)
		}
		defer g.Close()

		img, err := os.Open(path)
		if err != nil {
			log.Fatalf("guest %d: %v", i, err)
		}

		n, err := g.LoadImage(img)
		img.Close()

		if err != nil {
			log.Fatalf("guest %d: load %s: %v", i, path, err)
		}

		log.WithField("guest", i).Infof("loaded %d bytes of %s at %#x", n, path, g.StartAddr())
		guests = append(guests, g)
	}

	if len(guests) == 1 && term.IsTerminal(int(os.Stdin.Fd())) {
		if state, err := term.MakeRaw(int(os.Stdin.Fd())); err == nil {
			defer term.Restore(int(os.Stdin.Fd()), state)
		}
	}

	var wg sync.WaitGroup

	for _, g := range guests {
		wg.Add(1)

		go func(g *machine.Machine) {
			defer wg.Done()

			// A faulting guest takes down only its own thread.
			if err := g.RunInfiniteLoop(); err != nil {
				log.WithField("guest", g.ID()).Errorf("%v", err)
			}
		}(g)
	}

	wg.Wait()
}
