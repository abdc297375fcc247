package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/srg/bleproxy/internal/bluez"
	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/session"
	"github.com/srg/bleproxy/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"nhooyr.io/websocket"
)

const apiPrefix = "/api/v1/ble"

type fakeLister []bluez.AdapterInfo

func (f fakeLister) ListAdapters(context.Context) []bluez.AdapterInfo { return f }

type ServerTestSuite struct {
	testutils.MockBLEPeripheralSuite

	server *Server
	ts     *httptest.Server
}

func (s *ServerTestSuite) SetupTest() {
	s.MockBLEPeripheralSuite.SetupTest()
	s.server = s.newServer(true)
	s.ts = httptest.NewServer(s.server.Handler())
}

func (s *ServerTestSuite) TearDownTest() {
	s.ts.Close()
	s.MockBLEPeripheralSuite.TearDownTest()
}

func (s *ServerTestSuite) newServer(enabled bool, configure ...func(*Options)) *Server {
	opts := Options{
		APIPrefix:   apiPrefix,
		Enabled:     enabled,
		CORSOrigins: []string{"*"},
		Session: session.Options{
			ConnectDiscoveryTimeout: 200 * time.Millisecond,
		},
	}
	for _, fn := range configure {
		fn(&opts)
	}
	return New(opts, func() (device.Stack, error) { return s.Stack, nil },
		fakeLister{{Name: "hci0", Address: "B8:27:EB:00:00:01", Powered: true}},
		s.Logger)
}

func (s *ServerTestSuite) wsURL(base string) string {
	return "ws" + strings.TrimPrefix(base, "http") + apiPrefix + "/ws"
}

func (s *ServerTestSuite) dial(base string) *websocket.Conn {
	ctx, cancel := context.WithTimeout(context.Background(), s.TestTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, s.wsURL(base), nil)
	s.Require().NoError(err, "WebSocket handshake MUST succeed")
	s.T().Cleanup(func() { _ = conn.CloseNow() })

	s.expect(conn, `{"type": "status", "connected": false, "message": "BLE Proxy ready"}`)
	return conn
}

func (s *ServerTestSuite) read(conn *websocket.Conn) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.TestTimeout)
	defer cancel()
	_, data, err := conn.Read(ctx)
	return data, err
}

func (s *ServerTestSuite) expect(conn *websocket.Conn, expectedJSON string) {
	s.T().Helper()
	frame, err := s.read(conn)
	s.Require().NoError(err)
	testutils.NewJSONAsserter(s.T()).AssertFrame(frame, expectedJSON)
}

func (s *ServerTestSuite) send(conn *websocket.Conn, frame string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.TestTimeout)
	defer cancel()
	s.Require().NoError(conn.Write(ctx, websocket.MessageText, []byte(frame)))
}

func (s *ServerTestSuite) get(path string) (int, string) {
	resp, err := http.Get(s.ts.URL + path)
	s.Require().NoError(err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	return resp.StatusCode, string(body)
}

func (s *ServerTestSuite) post(base, path, body string) (int, string) {
	resp, err := http.Post(base+path, "application/json", strings.NewReader(body))
	s.Require().NoError(err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	return resp.StatusCode, string(data)
}

func (s *ServerTestSuite) TestHealth() {
	code, body := s.get("/healthz")
	s.Equal(http.StatusOK, code)
	testutils.NewJSONAsserter(s.T()).Assert(body, `{"status": "ok", "sessions": 0}`)
}

func (s *ServerTestSuite) TestAdapters() {
	code, body := s.get(apiPrefix + "/adapters")
	s.Equal(http.StatusOK, code)
	testutils.NewJSONAsserter(s.T()).Assert(body, `[{"name": "hci0", "address": "B8:27:EB:00:00:01", "powered": true}]`)
}

func (s *ServerTestSuite) TestInspect() {
	s.Run("reports layout", func() {
		code, body := s.get(apiPrefix + "/inspect?device_address=" + testutils.DefaultPeripheralAddress)
		s.Equal(http.StatusOK, code)
		testutils.NewJSONAsserter(s.T()).Assert(body, `{
			"device": {"name": "HRM-Test", "address": "`+testutils.DefaultPeripheralAddress+`"},
			"gatt": [
				{"uuid": "0000180d-0000-1000-8000-00805f9b34fb", "characteristics": "<<PRESENCE>>"},
				{"uuid": "0000180f-0000-1000-8000-00805f9b34fb", "characteristics": "<<PRESENCE>>"},
				{"uuid": "6e400001-b5a3-f393-e0a9-e50e24dcca9e", "characteristics": "<<PRESENCE>>"}
			]
		}`)
		s.Empty(s.Stack.LiveConnections(), "inspection MUST NOT keep the link")
	})

	s.Run("address required", func() {
		code, _ := s.get(apiPrefix + "/inspect")
		s.Equal(http.StatusBadRequest, code)
	})

	s.Run("unknown device", func() {
		code, body := s.get(apiPrefix + "/inspect?device_address=00:00:00:00:00:00")
		s.Equal(http.StatusBadGateway, code)
		testutils.NewJSONAsserter(s.T()).Assert(body, `{"error": "<<PRESENCE>>", "kind": "connect_failed"}`)
	})
}

func (s *ServerTestSuite) TestDisabled() {
	disabled := httptest.NewServer(s.newServer(false).Handler())
	defer disabled.Close()

	ctx, cancel := context.WithTimeout(context.Background(), s.TestTimeout)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, s.wsURL(disabled.URL), nil)
	s.Require().Error(err, "handshake MUST fail when the proxy is disabled")
	s.Require().NotNil(resp)
	s.Equal(http.StatusServiceUnavailable, resp.StatusCode)
}

func (s *ServerTestSuite) TestSessionRoundTrip() {
	conn := s.dial(s.ts.URL)
	s.Equal(1, s.server.Sessions())

	s.send(conn, `{"type": "connect", "device_address": "`+testutils.DefaultPeripheralAddress+`"}`)
	s.expect(conn, `{"type": "connected", "device_name": "HRM-Test"}`)

	s.send(conn, `{"type": "bogus"}`)
	s.expect(conn, `{"type": "error", "error": "Unknown message type: bogus"}`)

	s.Require().NoError(conn.Close(websocket.StatusNormalClosure, ""))

	s.Eventually(func() bool { return s.server.Sessions() == 0 }, s.TestTimeout, 10*time.Millisecond,
		"closed client MUST be removed from the registry")
	s.Eventually(func() bool { return len(s.Stack.LiveConnections()) == 0 }, s.TestTimeout, 10*time.Millisecond,
		"closed client MUST release its device link")
}

func (s *ServerTestSuite) TestSessionsAreIndependent() {
	// GOAL: Verify each WebSocket connection owns its own device link
	//
	// TEST SCENARIO: two clients connect, first disconnects → second still connected and able to write

	first := s.dial(s.ts.URL)
	second := s.dial(s.ts.URL)

	for _, conn := range []*websocket.Conn{first, second} {
		s.send(conn, `{"type": "connect", "device_address": "`+testutils.DefaultPeripheralAddress+`"}`)
		s.expect(conn, `{"type": "connected"}`)
	}
	s.Equal(2, s.server.Sessions())
	s.Len(s.Stack.LiveConnections(), 2)

	s.send(first, `{"type": "disconnect"}`)
	s.expect(first, `{"type": "disconnected"}`)

	s.send(second, `{"type": "write", "characteristic_uuid": "2a39", "data": "AQ=="}`)
	s.expect(second, `{"type": "status", "connected": true, "message": "Wrote 1 bytes to 2a39"}`)
	s.Len(s.Stack.LiveConnections(), 1)
}

func (s *ServerTestSuite) TestShutdownClosesSessions() {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)

	srv := s.newServer(true)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()

	conn := s.dial("http://" + ln.Addr().String())
	s.send(conn, `{"type": "connect", "device_address": "`+testutils.DefaultPeripheralAddress+`"}`)
	s.expect(conn, `{"type": "connected"}`)

	closed := make(chan error, 1)
	go func() {
		_, err := s.read(conn)
		closed <- err
	}()

	cancel()

	select {
	case err := <-served:
		s.NoError(err, "graceful shutdown MUST succeed")
	case <-time.After(s.TestTimeout):
		s.FailNow("Serve MUST return after shutdown")
	}

	err = <-closed
	s.Equal(websocket.StatusGoingAway, websocket.CloseStatus(err), "clients MUST be told the server is going away")
	s.Empty(s.Stack.LiveConnections(), "shutdown MUST release every device link")
	s.Zero(srv.Sessions())
}

func (s *ServerTestSuite) TestWebSocketRoute() {
	// GOAL: Verify the WebSocket route completes the handshake while the rest stays on the router
	//
	// TEST SCENARIO: upgrade succeeds and delivers the ready status → plain GET is refused
	//                → POST is 405 → prefix with trailing slash still serves /ws

	s.Run("handshake delivers ready status", func() {
		conn := s.dial(s.ts.URL)
		s.Require().NoError(conn.Close(websocket.StatusNormalClosure, ""))
	})

	s.Run("plain GET is not upgraded", func() {
		code, _ := s.get(apiPrefix + "/ws")
		s.GreaterOrEqual(code, http.StatusBadRequest, "request without upgrade headers MUST be refused")
		s.NotEqual(http.StatusNotFound, code, "route MUST exist")
	})

	s.Run("wrong method", func() {
		code, body := s.post(s.ts.URL, apiPrefix+"/ws", "{}")
		s.Equal(http.StatusMethodNotAllowed, code)
		testutils.NewJSONAsserter(s.T()).Assert(body, `{"error": "method not allowed"}`)
	})

	s.Run("prefix with trailing slash", func() {
		srv := httptest.NewServer(s.newServer(true, func(o *Options) { o.APIPrefix = apiPrefix + "/" }).Handler())
		defer srv.Close()

		conn := s.dial(srv.URL)
		s.Require().NoError(conn.Close(websocket.StatusNormalClosure, ""))
	})
}

func (s *ServerTestSuite) TestProfileEnv() {
	const body = `{"service_uuid": "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
		"write_char_uuid": "6e400002-b5a3-f393-e0a9-e50e24dcca9e",
		"notify_char_uuid": "6e400003-b5a3-f393-e0a9-e50e24dcca9e"}`

	serve := func(path string) string {
		srv := httptest.NewServer(s.newServer(true, func(o *Options) { o.ProfileEnvPath = path }).Handler())
		s.T().Cleanup(srv.Close)
		return srv.URL
	}

	s.Run("updates keys and keeps other lines", func() {
		path := filepath.Join(s.T().TempDir(), ".env")
		s.Require().NoError(os.WriteFile(path, []byte("# backend\nDB_URL=postgres://db\nSFP_SERVICE_UUID=old\n"), 0o600))

		code, resp := s.post(serve(path), apiPrefix+"/profile/env", body)
		s.Equal(http.StatusOK, code)
		testutils.NewJSONAsserter(s.T()).Assert(resp, `{"ok": true, "path": "`+path+`", "note": "<<PRESENCE>>"}`)

		data, err := os.ReadFile(path)
		s.Require().NoError(err)
		s.Equal("# backend\n"+
			"DB_URL=postgres://db\n"+
			"SFP_SERVICE_UUID=6e400001-b5a3-f393-e0a9-e50e24dcca9e\n"+
			"SFP_WRITE_CHAR_UUID=6e400002-b5a3-f393-e0a9-e50e24dcca9e\n"+
			"SFP_NOTIFY_CHAR_UUID=6e400003-b5a3-f393-e0a9-e50e24dcca9e\n", string(data),
			"existing key MUST be replaced in place and new keys appended")
	})

	s.Run("creates missing file", func() {
		path := filepath.Join(s.T().TempDir(), "profile.env")

		code, _ := s.post(serve(path), apiPrefix+"/profile/env", body)
		s.Require().Equal(http.StatusOK, code)

		data, err := os.ReadFile(path)
		s.Require().NoError(err)
		s.Contains(string(data), "SFP_NOTIFY_CHAR_UUID=6e400003-b5a3-f393-e0a9-e50e24dcca9e\n")
	})

	s.Run("missing keys", func() {
		path := filepath.Join(s.T().TempDir(), ".env")

		code, resp := s.post(serve(path), apiPrefix+"/profile/env", `{"service_uuid": "180d"}`)
		s.Equal(http.StatusBadRequest, code)
		testutils.NewJSONAsserter(s.T()).Assert(resp, `{"error": "missing required keys: write_char_uuid, notify_char_uuid"}`)
		s.NoFileExists(path, "rejected request MUST NOT touch the env file")
	})

	s.Run("value that is not a UUID", func() {
		path := filepath.Join(s.T().TempDir(), ".env")

		code, _ := s.post(serve(path), apiPrefix+"/profile/env",
			`{"service_uuid": "180d\nEVIL=1", "write_char_uuid": "2a39", "notify_char_uuid": "2a37"}`)
		s.Equal(http.StatusBadRequest, code, "values MUST NOT be able to inject extra env lines")
		s.NoFileExists(path)
	})

	s.Run("malformed body", func() {
		code, _ := s.post(serve(filepath.Join(s.T().TempDir(), ".env")), apiPrefix+"/profile/env", `{"service_uuid":`)
		s.Equal(http.StatusBadRequest, code)
	})

	s.Run("not configured", func() {
		code, resp := s.post(s.ts.URL, apiPrefix+"/profile/env", body)
		s.Equal(http.StatusServiceUnavailable, code)
		testutils.NewJSONAsserter(s.T()).Assert(resp, `{"error": "profile_env_path not configured"}`)
	})
}

func TestServerTestSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}

func TestOriginPatterns(t *testing.T) {
	assert.Equal(t,
		[]string{"localhost:3000", "example.com", "*.example.org"},
		originPatterns([]string{"http://localhost:3000", "https://example.com", "*.example.org"}))

	assert.True(t, allowsAnyOrigin(nil))
	assert.True(t, allowsAnyOrigin([]string{"http://a", "*"}))
	assert.False(t, allowsAnyOrigin([]string{"http://a"}))
}
