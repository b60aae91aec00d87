package transport

import "errors"

var ErrNotConnected = errors.New("transport not connected")
