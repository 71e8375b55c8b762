package analyzer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sessionResult struct {
	params []byte
	err    error
}

func TestDiagnosticSessionControl(t *testing.T) {
	core, far := newTestCore(t)
	peer := &testPeer{t, far}
	ep, err := core.RegisterIsoTP(testTxId, testRxId)
	require.NoError(t, err)
	client := core.Client(ep)
	client.SetAutoKeepalive(false)

	done := make(chan sessionResult, 1)
	go func() {
		params, err := client.DiagnosticSessionControl(context.Background(), SessionExtended)
		done <- sessionResult{params, err}
	}()

	f := peer.recv()
	require.Equal(t, []byte{0x02, 0x10, 0x03, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC}, f.Data[:8])
	peer.sendSF(testRxId, 0x50, 0x03)

	res := <-done
	require.NoError(t, res.err)
	assert.Empty(t, res.params)
	assert.Equal(t, SessionExtended, client.Session().Type)
}

func TestPositiveResponseServiceOffset(t *testing.T) {
	core, far := newTestCore(t)
	peer := &testPeer{t, far}
	ep, err := core.RegisterIsoTP(testTxId, testRxId)
	require.NoError(t, err)
	client := core.Client(ep)

	done := make(chan error, 1)
	go func() {
		_, err := client.Request(context.Background(), Request{Service: 0x22, Payload: []byte{0xF1, 0x90}})
		done <- err
	}()
	peer.recvPdu(testRxId)
	// response service id must be request + 0x40; anything else is a violation
	peer.sendSF(testRxId, 0x63, 0xF1, 0x90, 0x01)
	require.Equal(t, ErrUdsProtocol, <-done)
}

func TestNegativeResponse(t *testing.T) {
	core, far := newTestCore(t)
	peer := &testPeer{t, far}
	ep, err := core.RegisterIsoTP(testTxId, testRxId)
	require.NoError(t, err)
	client := core.Client(ep)

	done := make(chan error, 1)
	go func() {
		_, err := client.ReadDataByIdentifier(context.Background(), 0xF190)
		done <- err
	}()
	peer.recvPdu(testRxId)
	peer.sendSF(testRxId, 0x7F, 0x22, NrcRequestOutOfRange)

	err = <-done
	var neg *NegativeResponseError
	require.ErrorAs(t, err, &neg)
	assert.Equal(t, NrcRequestOutOfRange, neg.Nrc)
	assert.Equal(t, byte(0x22), neg.Service)
}

func TestResponsePendingExtendsWindow(t *testing.T) {
	core, far := newTestCore(t)
	peer := &testPeer{t, far}
	ep, err := core.RegisterIsoTP(testTxId, testRxId)
	require.NoError(t, err)
	client := core.Client(ep)

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := client.RoutineControl(context.Background(), RoutineStart, 0xF000, nil)
		done <- result{data, err}
	}()

	got := peer.recvPdu(testRxId)
	require.Equal(t, []byte{0x31, 0x01, 0xF0, 0x00}, got)
	peer.sendSF(testRxId, 0x7F, 0x31, NrcResponsePending)
	// well past P2, inside P2*
	time.Sleep(1500 * time.Millisecond)
	peer.sendSF(testRxId, 0x71, 0x01, 0xF0, 0x00, 0x00)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, []byte{0x00}, res.data)
}

func TestRequestTimeout(t *testing.T) {
	core, far := newTestCore(t)
	peer := &testPeer{t, far}
	ep, err := core.RegisterIsoTP(testTxId, testRxId)
	require.NoError(t, err)
	client := core.Client(ep)

	done := make(chan error, 1)
	go func() {
		_, err := client.Request(context.Background(), Request{Service: 0x22, Payload: []byte{0x01, 0x00}, Timeout: 100 * time.Millisecond})
		done <- err
	}()
	peer.recvPdu(testRxId)
	// never answer
	require.Equal(t, ErrUdsTimeout, <-done)
	assert.Equal(t, SessionDefault, client.Session().Type)
}

func TestSecurityAccessXor(t *testing.T) {
	core, far := newTestCore(t)
	peer := &testPeer{t, far}
	ep, err := core.RegisterIsoTP(testTxId, testRxId)
	require.NoError(t, err)
	client := core.Client(ep)

	done := make(chan error, 1)
	go func() {
		done <- client.SecurityAccess(context.Background(), 0x01, XorAlgorithm(0x1234))
	}()

	req := peer.recvPdu(testRxId)
	require.Equal(t, []byte{0x27, 0x01}, req)
	peer.sendSF(testRxId, 0x67, 0x01, 0x12, 0x34, 0x56, 0x78)

	key := peer.recvPdu(testRxId)
	require.Equal(t, []byte{0x27, 0x02, 0x26, 0x26, 0x62, 0x6A}, key)
	peer.sendSF(testRxId, 0x67, 0x02)

	require.NoError(t, <-done)
	assert.Equal(t, byte(0x01), client.Session().SecurityLevel)
}

func TestSecurityAccessInvalidKey(t *testing.T) {
	core, far := newTestCore(t)
	peer := &testPeer{t, far}
	ep, err := core.RegisterIsoTP(testTxId, testRxId)
	require.NoError(t, err)
	client := core.Client(ep)

	done := make(chan error, 1)
	go func() {
		done <- client.SecurityAccess(context.Background(), 0x01, ComplementAlgorithm())
	}()
	peer.recvPdu(testRxId)
	peer.sendSF(testRxId, 0x67, 0x01, 0xAA, 0xBB)
	peer.recvPdu(testRxId)
	peer.sendSF(testRxId, 0x7F, 0x27, NrcInvalidKey)

	err = <-done
	var neg *NegativeResponseError
	require.ErrorAs(t, err, &neg)
	assert.Equal(t, NrcInvalidKey, neg.Nrc)
	assert.Zero(t, client.Session().SecurityLevel)
}

func TestSecurityAccessZeroSeed(t *testing.T) {
	core, far := newTestCore(t)
	peer := &testPeer{t, far}
	ep, err := core.RegisterIsoTP(testTxId, testRxId)
	require.NoError(t, err)
	client := core.Client(ep)

	done := make(chan error, 1)
	go func() {
		done <- client.SecurityAccess(context.Background(), 0x03, XorAlgorithm(0))
	}()
	peer.recvPdu(testRxId)
	peer.sendSF(testRxId, 0x67, 0x03, 0x00, 0x00, 0x00, 0x00)

	// no key must follow the all-zero seed
	peer.expectSilence(100 * time.Millisecond)
	require.NoError(t, <-done)
	assert.Equal(t, byte(0x03), client.Session().SecurityLevel)
}

func TestDefaultSessionClearsSecurity(t *testing.T) {
	core, far := newTestCore(t)
	peer := &testPeer{t, far}
	ep, err := core.RegisterIsoTP(testTxId, testRxId)
	require.NoError(t, err)
	client := core.Client(ep)
	client.SetAutoKeepalive(false)

	done := make(chan error, 1)
	go func() {
		done <- client.SecurityAccess(context.Background(), 0x01, ComplementAlgorithm())
	}()
	peer.recvPdu(testRxId)
	peer.sendSF(testRxId, 0x67, 0x01, 0x11, 0x22)
	peer.recvPdu(testRxId)
	peer.sendSF(testRxId, 0x67, 0x02)
	require.NoError(t, <-done)
	require.Equal(t, byte(0x01), client.Session().SecurityLevel)

	go func() {
		_, err := client.DiagnosticSessionControl(context.Background(), SessionDefault)
		done <- err
	}()
	peer.recvPdu(testRxId)
	peer.sendSF(testRxId, 0x50, 0x01)
	require.NoError(t, <-done)

	sess := client.Session()
	assert.Equal(t, SessionDefault, sess.Type)
	assert.Zero(t, sess.SecurityLevel)
}

func TestReadVinSegmented(t *testing.T) {
	core, far := newTestCore(t)
	peer := &testPeer{t, far}
	ep, err := core.RegisterIsoTP(testTxId, testRxId)
	require.NoError(t, err)
	client := core.Client(ep)

	vin := "WVWZZZ1JZ3W386752"
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := client.ReadDataByIdentifier(context.Background(), 0xF190)
		done <- result{data, err}
	}()

	req := peer.recvPdu(testRxId)
	require.Equal(t, []byte{0x22, 0xF1, 0x90}, req)
	pdu := append([]byte{0x62, 0xF1, 0x90}, []byte(vin)...)
	peer.sendPdu(testRxId, pdu)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, vin, string(res.data))
}

func TestTesterPresentDemotion(t *testing.T) {
	core, far := newTestCore(t)
	peer := &testPeer{t, far}
	ep, err := core.RegisterIsoTP(testTxId, testRxId)
	require.NoError(t, err)
	client := core.Client(ep)
	client.SetTesterPresentPeriod(30 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := client.DiagnosticSessionControl(context.Background(), SessionExtended)
		done <- err
	}()
	peer.recvPdu(testRxId)
	peer.sendSF(testRxId, 0x50, 0x03)
	require.NoError(t, <-done)
	require.True(t, client.Session().TesterPresent)

	// keepalives now fail until the failure limit demotes the session
	far.Fail()
	require.Eventually(t, func() bool {
		return client.Session().Type == SessionDefault
	}, 2*time.Second, 20*time.Millisecond)
	assert.False(t, client.Session().TesterPresent)
}

func TestQueueOverflowRejectsSynchronously(t *testing.T) {
	core, _ := newTestCore(t)
	ep, err := core.RegisterIsoTP(testTxId, testRxId)
	require.NoError(t, err)
	client := core.Client(ep)

	full := false
	for i := 0; i < DefaultRequestQueue+2; i++ {
		_, err := client.Submit(context.Background(), Request{Service: 0x3E, Sub: 0x00, HasSub: true, Timeout: 2 * time.Second})
		if err == ErrQueueFull {
			full = true
			break
		}
		require.NoError(t, err)
	}
	assert.True(t, full, "expected the bounded queue to reject a request")
}
