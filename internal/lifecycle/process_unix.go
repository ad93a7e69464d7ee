//go:build unix

package lifecycle

import (
	"fmt"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// hostProcess adapts the current OS process to ProcessTarget.
type hostProcess struct{}

// Host is the real process target. A pointer so identity tracking in the
// registry keys on this one instance.
var Host ProcessTarget = &hostProcess{}

func (*hostProcess) Notify(ch chan<- os.Signal, sigs ...os.Signal) {
	signal.Notify(ch, sigs...)
}

func (*hostProcess) Stop(ch chan<- os.Signal) {
	signal.Stop(ch)
	// Restore default dispositions so a re-raised signal kills the
	// process the way the shell expects.
	signal.Reset(unix.SIGINT, unix.SIGTERM)
}

func (*hostProcess) Raise(sig os.Signal) error {
	s, ok := sig.(unix.Signal)
	if !ok {
		return fmt.Errorf("cannot re-raise non-POSIX signal %v", sig)
	}
	return unix.Kill(os.Getpid(), s)
}

func (*hostProcess) Exit(code int) {
	os.Exit(code)
}
