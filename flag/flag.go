// Package flag parses the hypervisor's command line.
package flag

import (
	"flag"
	"fmt"
)

// Options is the parsed command line. Memory and page values of zero
// mean the flag was not given; the supervisor fills in manifest
// values and defaults.
type Options struct {
	// MemoryMiB is guest memory in MiB, a multiple of 2.
	MemoryMiB int

	// Page is the leaf mapping size selector: 2 for 2 MiB pages, 4
	// for 4 KiB pages. Any other value is treated as 2.
	Page int

	// File is an optional YAML guest manifest.
	File string

	// Images are the guest image paths listed after the --guest
	// marker.
	Images []string
}

// ParseArgs parses args (including the program name at index 0).
// Every argument after the --guest / -g marker is taken as a guest
// image path.
func ParseArgs(args []string) (*Options, error) {
	opts := &Options{}

	marker := len(args)

	for i, a := range args[1:] {
		if a == "-g" || a == "--guest" || a == "-guest" {
			marker = i + 1
			opts.Images = args[marker+1:]

			break
		}
	}

	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.IntVar(&opts.MemoryMiB, "memory", 0, "guest memory in MiB (multiple of 2)")
	fs.IntVar(&opts.MemoryMiB, "m", 0, "guest memory in MiB (shorthand)")
	fs.IntVar(&opts.Page, "page", 0, "page size: 2 for 2 MiB pages, 4 for 4 KiB pages")
	fs.IntVar(&opts.Page, "p", 0, "page size (shorthand)")
	fs.StringVar(&opts.File, "file", "", "YAML guest manifest")

	if err := fs.Parse(args[1:marker]); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}

	if rest := fs.Args(); len(rest) != 0 {
		return nil, fmt.Errorf("unexpected argument %q before --guest", rest[0])
	}

	return opts, nil
}
