//go:build !linux

package connectivity

import (
	"context"
	"errors"
)

var errNetlinkUnsupported = errors.New("rtnetlink is only available on linux")

type NetlinkSignal struct{}

func NewNetlinkSignal() (*NetlinkSignal, error) {
	return nil, errNetlinkUnsupported
}

func (s *NetlinkSignal) Changes(ctx context.Context) <-chan struct{} {
	return nil
}
