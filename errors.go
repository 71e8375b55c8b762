package analyzer

import "errors"

var (
	ErrIllegalArgument       = errors.New("error in function arguments")
	ErrRecvTimeout           = errors.New("no frame received within window")
	ErrTransportClosed       = errors.New("transport is shut down")
	ErrTransportDisconnected = errors.New("transport disconnected")
	ErrTxOverflow            = errors.New("transmit buffer full, frame not sent")
	ErrFrameLength           = errors.New("invalid frame length")
	ErrDuplicateRxId         = errors.New("rx id already bound to an endpoint")
	ErrEndpointClosed        = errors.New("endpoint is closed")
	ErrSendBusy              = errors.New("a transfer is already in progress on this endpoint")
	ErrPduLength             = errors.New("pdu length must be between 1 and 4095 bytes")
	ErrTimeoutAs             = errors.New("timeout sending frame (N_As)")
	ErrTimeoutBs             = errors.New("timeout waiting for flow control (N_Bs)")
	ErrTimeoutCr             = errors.New("timeout waiting for consecutive frame (N_Cr)")
	ErrSequence              = errors.New("unexpected consecutive frame sequence number")
	ErrOverflowRemote        = errors.New("peer signalled receive buffer overflow")
	ErrAborted               = errors.New("transfer aborted")
	ErrQueueFull             = errors.New("request queue full")
	ErrUdsTimeout            = errors.New("no response within P2/P2*")
	ErrUdsProtocol           = errors.New("malformed diagnostic response")
	ErrSecurityProvider      = errors.New("external seed/key provider failed")
	ErrInvalidPeriod         = errors.New("period must be at least 1ms")
	ErrCancelled             = errors.New("operation cancelled")
)
