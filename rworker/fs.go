package rworker

import (
	"context"

	"github.com/bpowers/boxedr/ephemeral"
)

// workerFS is the worker's working directory, reached through protocol ops
// so that sandboxed workers behave the same as local ones.
type workerFS struct {
	c *client
}

var _ ephemeral.FS = workerFS{}

func (f workerFS) MkdirAll(ctx context.Context, name string) error {
	_, err := f.c.call(ctx, &Request{Op: OpMkdir, Path: name})
	return err
}

func (f workerFS) WriteFile(ctx context.Context, name string, data []byte) error {
	_, err := f.c.call(ctx, &Request{Op: OpWriteFile, Path: name, Data: data})
	return err
}

func (f workerFS) ReadFile(ctx context.Context, name string) ([]byte, error) {
	resp, err := f.c.call(ctx, &Request{Op: OpReadFile, Path: name})
	if err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return []byte{}, nil
	}
	return resp.Data, nil
}

func (f workerFS) ReadDir(ctx context.Context, name string) ([]string, error) {
	resp, err := f.c.call(ctx, &Request{Op: OpReadDir, Path: name})
	if err != nil {
		return nil, err
	}
	return resp.Values, nil
}
