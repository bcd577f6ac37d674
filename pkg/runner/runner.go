package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

type Hooks struct {
	OnStart func()
	OnStop  func()
}

type Drainer interface {
	Drain() error
}

// DrainFunc adapts a function to Drainer.
type DrainFunc func() error

func (f DrainFunc) Drain() error { return f() }

// Drainers drains each in order and joins their errors. The gateway goes
// first so no new streams arrive while the client shuts down.
type Drainers []Drainer

func (d Drainers) Drain() error {
	var errs []error
	for _, dr := range d {
		if dr == nil {
			continue
		}
		if err := dr.Drain(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var Version = "dev"

// Banner controls whether Run prints the startup banner.
var Banner = true

func PrintBanner() {
	printBanner(os.Stdout)
}

func printBanner(w io.Writer) {
	tpl := "{{ .Title \"SPEECHWIRE\" \"\" 0 }}\nVersion: " + Version + "\n"
	banner.Init(w, true, true, bytes.NewBufferString(tpl))
}
