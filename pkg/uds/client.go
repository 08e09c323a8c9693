// Package uds implements ISO 14229-1 diagnostic request/response exchanges
// atop an isotp.Conn: the response-pending retry loop, service-identifier
// and sub-function echo validation, and a set of typed service helpers.
package uds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/halden/govcan/pkg/isotp"
	log "github.com/sirupsen/logrus"
)

// Client issues UDS requests over a single ISO-TP connection. It is not
// safe for concurrent use by multiple goroutines: UDS exchanges are
// inherently sequential (one request awaits its own response before the
// next is sent), matching the underlying Conn's single reassembly stream.
type Client struct {
	conn *isotp.Conn
	log  *log.Entry
}

// NewClient wraps an already-constructed isotp.Conn. The Conn's receive
// subscription is established at construction time, before Client ever
// sends a request, so no response can be missed between send and receive.
func NewClient(conn *isotp.Conn) *Client {
	return &Client{
		conn: conn,
		log:  log.WithField("component", "uds"),
	}
}

// call sends payload (service id as payload[0]) and returns the response
// bytes following the echoed service id, looping transparently through
// NRC 0x78 (requestCorrectlyReceivedResponsePending) retries. Any other
// negative response surfaces as *NegativeResponseError.
func (c *Client) call(ctx context.Context, payload []byte) ([]byte, error) {
	if err := c.conn.Send(ctx, payload); err != nil {
		return nil, fmt.Errorf("uds: sending request: %w", err)
	}
	sid := payload[0]
	for {
		resp, err := c.conn.Receive(ctx)
		if err != nil {
			return nil, fmt.Errorf("uds: awaiting response: %w", err)
		}
		if len(resp) == 0 {
			return nil, ErrInvalidResponseLength
		}
		if resp[0] == 0x7F {
			if len(resp) < 3 {
				return nil, ErrInvalidResponseLength
			}
			if resp[1] != sid {
				return nil, &InvalidServiceIDError{Got: resp[1]}
			}
			nrc := NRC(resp[2])
			if nrc == NRCRequestCorrectlyReceivedResponsePending {
				c.log.WithField("sid", fmt.Sprintf("%#02x", sid)).Debug("response pending, retrying")
				continue
			}
			return nil, &NegativeResponseError{Code: nrc}
		}
		if resp[0] != sid|0x40 {
			return nil, &InvalidServiceIDError{Got: resp[0]}
		}
		return resp[1:], nil
	}
}

// Request implements the generic request/response algorithm: send
// [sid, sub?, data...], retry through response-pending, validate the
// positive response's service id and (if sub was given) its echoed
// sub-function, and return whatever bytes remain.
func (c *Client) Request(ctx context.Context, sid byte, sub *byte, data []byte) ([]byte, error) {
	payload := make([]byte, 0, 2+len(data))
	payload = append(payload, sid)
	if sub != nil {
		payload = append(payload, *sub)
	}
	payload = append(payload, data...)

	body, err := c.call(ctx, payload)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return body, nil
	}
	if len(body) < 1 {
		return nil, ErrInvalidResponseLength
	}
	if body[0] != *sub {
		return nil, &InvalidSubFunctionError{Got: body[0]}
	}
	return body[1:], nil
}

// Ping issues TesterPresent (0x3E, sub-function 0x00) and returns nil if
// the ECU answered positively.
func (c *Client) Ping(ctx context.Context) error {
	return c.TesterPresent(ctx)
}

// EnsureSession issues DiagnosticSessionControl for sessionType and
// retries once after a short backoff if the ECU is not yet ready to
// accept it (NRCConditionsNotCorrect), which some ECUs return transiently
// right after a reset.
func (c *Client) EnsureSession(ctx context.Context, sessionType byte) (*SessionParams, error) {
	params, err := c.DiagnosticSessionControl(ctx, sessionType)
	var nre *NegativeResponseError
	if errors.As(err, &nre) && nre.Code == NRCConditionsNotCorrect {
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return c.DiagnosticSessionControl(ctx, sessionType)
	}
	return params, err
}
