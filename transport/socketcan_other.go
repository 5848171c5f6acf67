//go:build !linux

package transport

import (
	"context"
	"errors"
)

func dialSocketCAN(context.Context, Params) (Bus, error) {
	return nil, errors.New("socketcan is only available on linux")
}
