//go:build darwin || dragonfly || freebsd || netbsd || openbsd
// +build darwin dragonfly freebsd netbsd openbsd

package reactor

import (
	"github.com/pkg/errors"

	"github.com/momentics/hioload-netcore/api"
)

const defaultKind = KindReadiness

func newMultiplexer() (Multiplexer, error) {
	k, err := NewKqueue()
	if err != nil {
		return nil, err
	}
	return k, nil
}

func newCompletionPort(int) (CompletionPort, error) {
	return nil, errors.Wrap(api.ErrNotSupported, "completion port on bsd")
}
