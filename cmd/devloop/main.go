// Command devloop runs declarative development tasks defined in
// .dl/config.yml and dl-tasks.yml files, on the host or in Docker
// containers, with a work-stealing parallel runner and a live terminal
// status footer.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/cuemby/devloop/internal/dlog"
)

func main() {
	root := newRootCmd()
	err := root.Execute()
	if err == nil {
		os.Exit(0)
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(os.Stderr, ee.err)
		}
		os.Exit(ee.code)
	}

	dlog.Error(err.Error())
	fmt.Fprintln(os.Stderr, err)
	os.Exit(10)
}
