//go:build windows
// +build windows

package reactor

import (
	"github.com/pkg/errors"

	"github.com/momentics/hioload-netcore/api"
)

const defaultKind = KindCompletion

func newMultiplexer() (Multiplexer, error) {
	return nil, errors.Wrap(api.ErrNotSupported, "readiness multiplexer on windows")
}

func newCompletionPort(threads int) (CompletionPort, error) {
	p, err := NewIOCP(threads)
	if err != nil {
		return nil, err
	}
	return p, nil
}
