package server

// End-to-end tests: a real Server on a loopback TCP listener, driven by bare
// protocol clients. Each scenario follows the wire protocol exactly the way
// the console client does, without importing it.

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianremillard/chatrelay/internal/proto"
)

const testTimeout = 5 * time.Second

func startServer(t *testing.T) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Port = 0 // let the kernel pick
	srv := New(cfg)
	require.NoError(t, srv.Listen())
	go srv.Serve()
	t.Cleanup(srv.Stop)
	return srv
}

// testClient drives one raw protocol connection.
type testClient struct {
	t  *testing.T
	nc net.Conn
}

func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	nc, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })
	return &testClient{t: t, nc: nc}
}

func (c *testClient) send(pt proto.PacketType, body any) {
	c.t.Helper()
	payload, err := proto.EncodePacket(pt, body)
	require.NoError(c.t, err)
	require.NoError(c.t, proto.WriteFrame(c.nc, proto.FrameJSONPacket, payload))
}

func (c *testClient) sendChunk(chunk *proto.FileChunk) []byte {
	c.t.Helper()
	payload, err := proto.EncodeFileChunk(chunk)
	require.NoError(c.t, err)
	require.NoError(c.t, proto.WriteFrame(c.nc, proto.FrameFileChunk, payload))
	return payload
}

func (c *testClient) readFrame() (byte, []byte) {
	c.t.Helper()
	require.NoError(c.t, c.nc.SetReadDeadline(time.Now().Add(testTimeout)))
	frameType, payload, err := proto.ReadFrame(c.nc)
	require.NoError(c.t, err)
	return frameType, payload
}

// expect reads the next frame and requires it to be a control packet of the
// given type, returning the decoded body.
func (c *testClient) expect(pt proto.PacketType) any {
	c.t.Helper()
	frameType, payload := c.readFrame()
	require.Equal(c.t, proto.FrameJSONPacket, frameType)
	gotType, body, err := proto.DecodePacket(payload)
	require.NoError(c.t, err)
	require.Equal(c.t, pt, gotType, "unexpected packet type (body: %+v)", body)
	return body
}

// expectChunk reads the next frame and requires it to be a file chunk,
// returning the raw payload.
func (c *testClient) expectChunk() []byte {
	c.t.Helper()
	frameType, payload := c.readFrame()
	require.Equal(c.t, proto.FrameFileChunk, frameType)
	return payload
}

func (c *testClient) register(name string) string {
	c.t.Helper()
	c.send(proto.TypeRegisterName, proto.RegisterName{Name: name})
	ok := c.expect(proto.TypeRegisterNameSuccess).(*proto.RegisterNameSuccess)
	require.Equal(c.t, name, ok.Name)
	return ok.ID
}

func eventuallyCounters(t *testing.T, srv *Server, name string, sent, received int64) {
	t.Helper()
	assert.Eventually(t, func() bool {
		s := srv.Registry().FindByName(name)
		if s == nil {
			return false
		}
		gotSent, gotReceived := s.Counters()
		return gotSent == sent && gotReceived == received
	}, testTimeout, 10*time.Millisecond, "counters for %s never reached (%d, %d)", name, sent, received)
}

// S1: register, broadcast, counters.
func TestRegisterAndBroadcast(t *testing.T) {
	srv := startServer(t)

	a := dial(t, srv)
	b := dial(t, srv)
	a.expect(proto.TypeConnectSuccess)
	b.expect(proto.TypeConnectSuccess)

	idA := a.register("Alice")
	assert.NotEmpty(t, idA)
	// B was already connected, so it hears about Alice before its own
	// registration reply.
	aliceEntered := b.expect(proto.TypeUserEntered).(*proto.UserEntered)
	assert.Equal(t, idA, aliceEntered.ID)

	idB := b.register("Bob")
	entered := a.expect(proto.TypeUserEntered).(*proto.UserEntered)
	assert.Equal(t, idB, entered.ID)
	assert.Equal(t, "Bob", entered.Name)

	// The client-supplied sender is ignored; the registered name wins.
	a.send(proto.TypeChatMessage, proto.ChatMessage{Sender: "", Message: "hi"})
	chat := b.expect(proto.TypeChatMessage).(*proto.ChatMessage)
	assert.Equal(t, "Alice", chat.Sender)
	assert.Equal(t, "hi", chat.Message)

	eventuallyCounters(t, srv, "Alice", 1, 0)
	eventuallyCounters(t, srv, "Bob", 0, 1)
}

// S2: duplicate name is rejected and leaves the session unnamed.
func TestDuplicateName(t *testing.T) {
	srv := startServer(t)

	a := dial(t, srv)
	b := dial(t, srv)
	a.expect(proto.TypeConnectSuccess)
	b.expect(proto.TypeConnectSuccess)

	a.register("Alice")
	b.expect(proto.TypeUserEntered)

	b.send(proto.TypeRegisterName, proto.RegisterName{Name: "Alice"})
	b.expect(proto.TypeNameCannotBeDuplicated)

	assert.Nil(t, srv.Registry().FindByName("Bob"))
	assert.Eventually(t, func() bool { return srv.Registry().Len() == 2 }, testTimeout, 10*time.Millisecond)
	named := srv.Registry().FindByName("Alice")
	require.NotNil(t, named)
}

func TestBlankName(t *testing.T) {
	srv := startServer(t)

	a := dial(t, srv)
	a.expect(proto.TypeConnectSuccess)

	a.send(proto.TypeRegisterName, proto.RegisterName{Name: "   "})
	a.expect(proto.TypeNameCannotBeBlank)
}

// S3: rename is confirmed to the renamer and broadcast to everyone else.
func TestRename(t *testing.T) {
	srv := startServer(t)

	a := dial(t, srv)
	b := dial(t, srv)
	a.expect(proto.TypeConnectSuccess)
	b.expect(proto.TypeConnectSuccess)

	a.register("Alice")
	b.expect(proto.TypeUserEntered)
	b.register("Bob")
	a.expect(proto.TypeUserEntered)

	a.send(proto.TypeUpdateName, proto.UpdateName{NewName: "Alicia"})

	own := a.expect(proto.TypeUpdateNameSuccess).(*proto.UpdateNameSuccess)
	assert.Equal(t, "Alice", own.OldName)
	assert.Equal(t, "Alicia", own.NewName)

	seen := b.expect(proto.TypeUpdateNameSuccess).(*proto.UpdateNameSuccess)
	assert.Equal(t, own, seen)

	assert.Nil(t, srv.Registry().FindByName("Alice"))
	assert.NotNil(t, srv.Registry().FindByName("Alicia"))
}

// S4: whispering to an absent user reports USER_NOT_EXISTS and moves no
// counters.
func TestWhisperToAbsent(t *testing.T) {
	srv := startServer(t)

	a := dial(t, srv)
	a.expect(proto.TypeConnectSuccess)
	a.register("Alice")

	a.send(proto.TypeWhisper, proto.Whisper{Target: "Ghost", Message: "hey"})
	a.expect(proto.TypeUserNotExists)

	s := srv.Registry().FindByName("Alice")
	require.NotNil(t, s)
	sent, received := s.Counters()
	assert.Zero(t, sent)
	assert.Zero(t, received)
}

func TestWhisperDelivery(t *testing.T) {
	srv := startServer(t)

	a := dial(t, srv)
	b := dial(t, srv)
	a.expect(proto.TypeConnectSuccess)
	b.expect(proto.TypeConnectSuccess)

	a.register("Alice")
	b.expect(proto.TypeUserEntered)
	b.register("Bob")
	a.expect(proto.TypeUserEntered)

	a.send(proto.TypeWhisper, proto.Whisper{Target: "Bob", Message: "psst"})

	toTarget := b.expect(proto.TypeWhisperToTarget).(*proto.WhisperToTarget)
	assert.Equal(t, "Alice", toTarget.Sender)
	assert.Equal(t, "psst", toTarget.Message)

	toSender := a.expect(proto.TypeWhisperToSender).(*proto.WhisperToSender)
	assert.Equal(t, "Bob", toSender.Target)

	eventuallyCounters(t, srv, "Alice", 1, 0)
	eventuallyCounters(t, srv, "Bob", 0, 1)
}

// S5: a file transfer is relayed in order with byte-identical chunks, and
// chat interleaves without ever splitting a chunk.
func TestFileRelay(t *testing.T) {
	srv := startServer(t)

	a := dial(t, srv)
	b := dial(t, srv)
	a.expect(proto.TypeConnectSuccess)
	b.expect(proto.TypeConnectSuccess)

	a.register("Alice")
	b.expect(proto.TypeUserEntered)
	b.register("Bob")
	a.expect(proto.TypeUserEntered)

	req := proto.FileSendRequest{Target: "Bob", TransferID: "T1", FileName: "x.bin", FileSize: 131072}
	a.send(proto.TypeFileSendRequest, req)

	gotReq := b.expect(proto.TypeFileSendRequest).(*proto.FileSendRequest)
	assert.Equal(t, &req, gotReq)

	chunk0 := a.sendChunk(&proto.FileChunk{TransferID: "T1", Seq: 0, Data: patternData(65536, 0x11)})
	// Chat interleaved mid-transfer from the same sender arrives between the
	// chunks, whole.
	a.send(proto.TypeChatMessage, proto.ChatMessage{Message: "still there?"})
	chunk1 := a.sendChunk(&proto.FileChunk{TransferID: "T1", Seq: 1, Data: patternData(65536, 0x22)})
	a.send(proto.TypeFileSendComplete, proto.FileSendComplete{TransferID: "T1"})

	assert.Equal(t, chunk0, b.expectChunk())
	chat := b.expect(proto.TypeChatMessage).(*proto.ChatMessage)
	assert.Equal(t, "still there?", chat.Message)
	assert.Equal(t, chunk1, b.expectChunk())
	b.expect(proto.TypeFileSendComplete)
}

func patternData(n int, fill byte) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = fill ^ byte(i)
	}
	return data
}

// A file request to an absent target reports USER_NOT_EXISTS; chunks for an
// unknown transfer are dropped without killing the session.
func TestFileRequestToAbsent(t *testing.T) {
	srv := startServer(t)

	a := dial(t, srv)
	a.expect(proto.TypeConnectSuccess)
	a.register("Alice")

	a.send(proto.TypeFileSendRequest, proto.FileSendRequest{
		Target: "Ghost", TransferID: "T9", FileName: "x.bin", FileSize: 1,
	})
	a.expect(proto.TypeUserNotExists)

	// The transfer was never recorded, so this chunk is silently dropped and
	// the session stays alive.
	a.sendChunk(&proto.FileChunk{TransferID: "T9", Seq: 0, Data: []byte{1}})
	a.send(proto.TypeChatMessage, proto.ChatMessage{Message: "still alive"})

	eventuallyCounters(t, srv, "Alice", 1, 0)
}

// S6: disconnect accounting reaches the remaining clients.
func TestDisconnectAccounting(t *testing.T) {
	srv := startServer(t)

	a := dial(t, srv)
	b := dial(t, srv)
	a.expect(proto.TypeConnectSuccess)
	b.expect(proto.TypeConnectSuccess)

	a.register("Alice")
	b.expect(proto.TypeUserEntered)
	b.register("Bob")
	a.expect(proto.TypeUserEntered)

	for i := 0; i < 3; i++ {
		a.send(proto.TypeChatMessage, proto.ChatMessage{Message: "from alice"})
		b.expect(proto.TypeChatMessage)
	}
	for i := 0; i < 2; i++ {
		b.send(proto.TypeChatMessage, proto.ChatMessage{Message: "from bob"})
		a.expect(proto.TypeChatMessage)
	}

	eventuallyCounters(t, srv, "Alice", 3, 2)

	a.send(proto.TypeDisconnectRequest, proto.DisconnectRequest{})

	info := b.expect(proto.TypeDisconnectInfo).(*proto.DisconnectInfo)
	assert.Equal(t, "Alice", info.Target)
	assert.Equal(t, int64(3), info.Sent)
	assert.Equal(t, int64(2), info.Received)

	assert.Eventually(t, func() bool {
		return srv.Registry().FindByName("Alice") == nil && srv.Registry().Len() == 1
	}, testTimeout, 10*time.Millisecond)
}

// An abrupt close (read EOF) triggers the same cleanup path as a graceful
// disconnect.
func TestAbruptDisconnect(t *testing.T) {
	srv := startServer(t)

	a := dial(t, srv)
	b := dial(t, srv)
	a.expect(proto.TypeConnectSuccess)
	b.expect(proto.TypeConnectSuccess)

	a.register("Alice")
	b.expect(proto.TypeUserEntered)
	b.register("Bob")
	a.expect(proto.TypeUserEntered)

	a.nc.Close()

	info := b.expect(proto.TypeDisconnectInfo).(*proto.DisconnectInfo)
	assert.Equal(t, "Alice", info.Target)

	assert.Eventually(t, func() bool { return srv.Registry().Len() == 1 },
		testTimeout, 10*time.Millisecond)
}

// An unnamed session that disconnects announces nothing.
func TestUnnamedDisconnectSilent(t *testing.T) {
	srv := startServer(t)

	a := dial(t, srv)
	b := dial(t, srv)
	a.expect(proto.TypeConnectSuccess)
	b.expect(proto.TypeConnectSuccess)
	b.register("Bob")

	a.nc.Close()
	assert.Eventually(t, func() bool { return srv.Registry().Len() == 1 },
		testTimeout, 10*time.Millisecond)

	// Bob hears nothing about the unnamed departure; the next thing he
	// receives is his own whisper failure reply.
	b.send(proto.TypeWhisper, proto.Whisper{Target: "Ghost", Message: "x"})
	b.expect(proto.TypeUserNotExists)
}

// Chat before registration is refused with a hint, not a broadcast.
func TestChatWhileUnnamed(t *testing.T) {
	srv := startServer(t)

	a := dial(t, srv)
	a.expect(proto.TypeConnectSuccess)

	a.send(proto.TypeChatMessage, proto.ChatMessage{Message: "hello?"})
	a.expect(proto.TypeServerInfo)
}

// A corrupt stream terminates only the offending session.
func TestProtocolErrorKillsOnlyOffender(t *testing.T) {
	srv := startServer(t)

	a := dial(t, srv)
	b := dial(t, srv)
	a.expect(proto.TypeConnectSuccess)
	b.expect(proto.TypeConnectSuccess)
	a.register("Alice")
	b.expect(proto.TypeUserEntered)
	b.register("Bob")
	a.expect(proto.TypeUserEntered)

	// Unknown frame type from B.
	_, err := b.nc.Write([]byte{0x7F, 0, 0, 0, 0})
	require.NoError(t, err)

	// B's session dies and announces its departure; A keeps working.
	info := a.expect(proto.TypeDisconnectInfo).(*proto.DisconnectInfo)
	assert.Equal(t, "Bob", info.Target)

	a.send(proto.TypeWhisper, proto.Whisper{Target: "Bob", Message: "x"})
	a.expect(proto.TypeUserNotExists)
}
