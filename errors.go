package hwbridge

import "errors"

var (
	ErrKilled          = errors.New("hwbridge: device killed")
	ErrPortNotOpen     = errors.New("hwbridge: port not open")
	ErrWriteTimeout    = errors.New("hwbridge: timed out waiting for port access")
	ErrInvalidCommand  = errors.New("hwbridge: command must be a single non-empty line")
	ErrInvalidPortName = errors.New("hwbridge: invalid port name")
	ErrNilConnection   = errors.New("hwbridge: connection is nil")
)

var (
	ErrMsgNilPoll = "poll function is nil"
)
