package sandbox

import (
	"context"
	"errors"

	"github.com/nextlevelbuilder/hivebot/pkg/sdk"
)

// InProc runs bundles in the calling process with the same restricted VM the
// child uses, minus the process boundary. It backs snapshot verification and
// tests; production dispatch uses Host.
type InProc struct{}

// NewInProc returns an in-process runner.
func NewInProc() *InProc { return &InProc{} }

func (r *InProc) Run(ctx context.Context, dataURL string, payload *sdk.Payload, opts Options) (*sdk.Response, error) {
	moduleText, err := sdk.DecodeDataURI(dataURL)
	if err != nil {
		return nil, errors.Join(ErrBadResponse, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, opts.timeout())
	defer cancel()

	resp, err := Execute(runCtx, moduleText, payload, opts.Net)
	if err != nil {
		// The VM surfaces a cancelled context as a plain Lua error; the
		// expired deadline is the authoritative signal.
		if runCtx.Err() != nil {
			return nil, ErrTimeout
		}
		return nil, errors.Join(ErrCrash, err)
	}
	return resp, nil
}
