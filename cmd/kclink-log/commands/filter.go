package commands

import (
	"fmt"

	"github.com/kclink/kclink-go/pkg/log"
)

// RunFilter copies the events of path matching filter into a new log at
// output and returns how many were copied.
func RunFilter(path, output string, filter log.Filter) (int, error) {
	if output == path {
		return 0, fmt.Errorf("output must differ from the input log")
	}
	out, err := log.NewFileLogger(output)
	if err != nil {
		return 0, fmt.Errorf("create output: %w", err)
	}

	err = eachEvent(path, filter, func(ev log.Event) error {
		out.Log(ev)
		return nil
	})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return out.Written(), err
}
