package worker

import (
	"context"
	"fmt"
	"io"

	"github.com/szaher/designs/envsandbox/internal/protocol"
)

// Serve is the child-process entry point: it reads one request from in and
// writes the execution's messages to out as newline-delimited JSON.
func Serve(ctx context.Context, cfg Config, in io.Reader, out io.Writer) error {
	enc := protocol.NewEncoder(out)
	req, err := protocol.ReadRequest(in)
	if err != nil {
		if encErr := enc.Encode(protocol.ResultMessage(protocol.Failure("Error", err.Error(), ""))); encErr != nil {
			return fmt.Errorf("%w (and emitting the failure: %v)", err, encErr)
		}
		return err
	}
	return Run(ctx, cfg, req, func(m protocol.Message) error {
		return enc.Encode(m)
	})
}
