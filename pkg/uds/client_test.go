package uds

import (
	"context"
	"testing"
	"time"

	"github.com/halden/govcan/pkg/can"
	"github.com/halden/govcan/pkg/can/virtual"
	"github.com/halden/govcan/pkg/isotp"
	"github.com/stretchr/testify/require"
)

// newLoopbackPair wires a tester-side isotp.Conn and an ecu-side isotp.Conn
// together through a virtual broker, mirroring the dispatcher/ISO-TP
// integration fixture used by the isotp package's own tests.
func newLoopbackPair(t *testing.T) (tester, ecu *isotp.Conn) {
	t.Helper()
	srv, err := virtual.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	busA := virtual.NewBus(srv.Addr())
	busB := virtual.NewBus(srv.Addr())
	require.NoError(t, busA.Connect())
	require.NoError(t, busB.Connect())

	dispA := can.NewDispatcher(busA)
	dispB := can.NewDispatcher(busB)
	t.Cleanup(func() { dispA.Close(); dispB.Close() })

	txID, _ := can.NewStandardID(0x7E0)
	rxID, _ := can.NewStandardID(0x7E8)

	tester, err = isotp.NewConn(dispA, 0, txID, isotp.WithRX(rxID))
	require.NoError(t, err)
	ecu, err = isotp.NewConn(dispB, 0, rxID, isotp.WithRX(txID))
	require.NoError(t, err)
	t.Cleanup(func() { tester.Close(); ecu.Close() })
	return tester, ecu
}

// fakeECU runs a single-shot request/response exchange: it waits for one
// request on conn and replies with whatever handle returns for it.
func fakeECU(t *testing.T, conn *isotp.Conn, handle func(req []byte) (resp []byte)) {
	t.Helper()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		req, err := conn.Receive(ctx)
		if err != nil {
			return
		}
		resp := handle(req)
		_ = conn.Send(ctx, resp)
	}()
}

func TestClientReadDataByIdentifier(t *testing.T) {
	testerConn, ecuConn := newLoopbackPair(t)
	fakeECU(t, ecuConn, func(req []byte) []byte {
		require.Equal(t, []byte{0x22, 0xF1, 0x90}, req)
		return []byte{0x62, 0xF1, 0x90, 'h', 'i'}
	})

	client := NewClient(testerConn)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	data, err := client.ReadDataByIdentifier(ctx, 0xF190)
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), data)
}

func TestClientReadDataByIdentifierMismatch(t *testing.T) {
	testerConn, ecuConn := newLoopbackPair(t)
	fakeECU(t, ecuConn, func(req []byte) []byte {
		return []byte{0x62, 0xF1, 0x91, 'x'}
	})

	client := NewClient(testerConn)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := client.ReadDataByIdentifier(ctx, 0xF190)
	require.Error(t, err)
	var idErr *InvalidDataIdentifierError
	require.ErrorAs(t, err, &idErr)
	require.EqualValues(t, 0xF191, idErr.Got)
}

func TestClientNegativeResponse(t *testing.T) {
	testerConn, ecuConn := newLoopbackPair(t)
	fakeECU(t, ecuConn, func(req []byte) []byte {
		return []byte{0x7F, req[0], byte(NRCRequestOutOfRange)}
	})

	client := NewClient(testerConn)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := client.ReadDataByIdentifier(ctx, 0xF190)
	var nre *NegativeResponseError
	require.ErrorAs(t, err, &nre)
	require.Equal(t, NRCRequestOutOfRange, nre.Code)
}

func TestClientResponsePendingRetries(t *testing.T) {
	testerConn, ecuConn := newLoopbackPair(t)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		req, err := ecuConn.Receive(ctx)
		if err != nil {
			return
		}
		_ = ecuConn.Send(ctx, []byte{0x7F, req[0], byte(NRCRequestCorrectlyReceivedResponsePending)})
		time.Sleep(20 * time.Millisecond)
		_ = ecuConn.Send(ctx, []byte{0x62, 0xF1, 0x90, 42})
	}()

	client := NewClient(testerConn)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := client.ReadDataByIdentifier(ctx, 0xF190)
	require.NoError(t, err)
	require.Equal(t, []byte{42}, data)
}

func TestClientTesterPresent(t *testing.T) {
	testerConn, ecuConn := newLoopbackPair(t)
	fakeECU(t, ecuConn, func(req []byte) []byte {
		require.Equal(t, []byte{0x3E, 0x00}, req)
		return []byte{0x7E, 0x00}
	})

	client := NewClient(testerConn)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, client.TesterPresent(ctx))
}

func TestClientRoutineControl(t *testing.T) {
	testerConn, ecuConn := newLoopbackPair(t)
	fakeECU(t, ecuConn, func(req []byte) []byte {
		require.Equal(t, []byte{0x31, 0x01, 0x02, 0x03}, req)
		return []byte{0x71, 0x01, 0x02, 0x03, 0x00}
	})

	client := NewClient(testerConn)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	status, err := client.RoutineControl(ctx, 0x01, 0x0203, nil)
	require.NoError(t, err)
	require.Equal(t, []byte{0x00}, status)
}
