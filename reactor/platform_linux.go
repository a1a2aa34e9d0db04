//go:build linux
// +build linux

package reactor

import (
	"github.com/pkg/errors"

	"github.com/momentics/hioload-netcore/api"
)

const defaultKind = KindReadiness

func newMultiplexer() (Multiplexer, error) {
	e, err := NewEpoll()
	if err != nil {
		return nil, err
	}
	return e, nil
}

func newCompletionPort(int) (CompletionPort, error) {
	return nil, errors.Wrap(api.ErrNotSupported, "completion port on linux")
}
