package server

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"joulechain/crypto"
	"joulechain/native/peg"
	"joulechain/observability"
	"joulechain/services/pegd/auth"
	"joulechain/services/pegd/storage"
)

type stubController struct {
	status     peg.Status
	pool       peg.PoolStatus
	paused     *bool
	params     *peg.Params
	withdrawTo crypto.Address
	withdrawn  *big.Int
}

func (s *stubController) Status() (peg.Status, error)         { return s.status, nil }
func (s *stubController) PoolStatus() (peg.PoolStatus, error) { return s.pool, nil }

func (s *stubController) Pause(_ crypto.Address, paused bool) error {
	s.paused = &paused
	return nil
}

func (s *stubController) ReconfigurePeg(_ crypto.Address, params peg.Params) error {
	s.params = &params
	return nil
}

func (s *stubController) WithdrawReserve(_, to crypto.Address, amount *big.Int) error {
	s.withdrawTo = to
	s.withdrawn = new(big.Int).Set(amount)
	return nil
}

func testAddr(b byte) crypto.Address {
	return crypto.MustNewAddress(crypto.JoulePrefix, bytes.Repeat([]byte{b}, 20))
}

func testServer(t *testing.T) (*Server, *stubController) {
	t.Helper()
	dsn, err := storage.FileDSN(filepath.Join(t.TempDir(), "pegd.sqlite"))
	require.NoError(t, err)
	store, err := storage.Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	owner := testAddr(0x01)
	controller := &stubController{
		status: peg.Status{
			Owner:          owner,
			Feeder:         testAddr(0x02),
			ModuleAddress:  testAddr(0x03),
			ReserveBalance: big.NewInt(1_000_000),
			CreditBalance:  big.NewInt(0),
			State: peg.State{
				Params: peg.Params{}.Normalise(),
				Minted: big.NewInt(42),
			},
		},
		pool: peg.PoolStatus{
			CreditReserve: big.NewInt(500),
			QuoteReserve:  big.NewInt(510),
			SpotPrice:     big.NewRat(102, 100),
			OraclePrice:   big.NewRat(1, 1),
			DeviationBps:  200,
		},
	}
	authenticator := auth.NewAuthenticator(map[string]string{"ops": "secret"}, 2*time.Minute, 10*time.Minute, 128, time.Now, nil)
	srv, err := New(Config{ListenAddress: ":0"}, controller, store, owner, authenticator, nil)
	require.NoError(t, err)
	return srv, controller
}

func signedRequest(t *testing.T, method, path string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	timestamp := fmt.Sprintf("%d", time.Now().Unix())
	nonce := fmt.Sprintf("nonce-%d", time.Now().UnixNano())
	sig := auth.ComputeSignature("secret", timestamp, nonce, method, path, body)
	req.Header.Set(auth.HeaderAPIKey, "ops")
	req.Header.Set(auth.HeaderTimestamp, timestamp)
	req.Header.Set(auth.HeaderNonce, nonce)
	req.Header.Set(auth.HeaderSignature, hex.EncodeToString(sig))
	return req
}

func TestHealthz(t *testing.T) {
	srv, _ := testServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := testServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Paused)
	require.Equal(t, "1000000", resp.ReserveBalance)
	require.Equal(t, "42", resp.Minted)
	require.NotNil(t, resp.Pool)
	require.Equal(t, int64(200), resp.Pool.DeviationBps)
}

func TestParamsEndpoint(t *testing.T) {
	srv, _ := testServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/params", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp paramsPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotZero(t, resp.BandBps)
	require.NotEmpty(t, resp.MinTradeSize)
}

func TestAdminRequiresSignature(t *testing.T) {
	srv, controller := testServer(t)
	body, _ := json.Marshal(pauseRequest{Paused: true})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/pause", bytes.NewReader(body))
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Nil(t, controller.paused)
}

func TestAdminPause(t *testing.T) {
	srv, controller := testServer(t)
	body, _ := json.Marshal(pauseRequest{Paused: true})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, signedRequest(t, http.MethodPost, "/admin/pause", body))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, controller.paused)
	require.True(t, *controller.paused)
}

func TestHandlerRecordsRequestMetrics(t *testing.T) {
	srv, _ := testServer(t)
	counter := observability.API().RequestsVec().WithLabelValues("/status", http.MethodGet, "success")
	before := testutil.ToFloat64(counter)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestAuthRejectionRecordsThrottle(t *testing.T) {
	srv, controller := testServer(t)
	counter := observability.API().ThrottlesVec().WithLabelValues("/admin/pause", "auth_failed")
	before := testutil.ToFloat64(counter)

	body, _ := json.Marshal(pauseRequest{Paused: true})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/pause", bytes.NewReader(body)))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, before+1, testutil.ToFloat64(counter))
	require.Nil(t, controller.paused)
}

func TestNonceReplayRecordsThrottle(t *testing.T) {
	srv, _ := testServer(t)
	counter := observability.API().ThrottlesVec().WithLabelValues("/admin/pause", "nonce_replay")
	before := testutil.ToFloat64(counter)

	body, _ := json.Marshal(pauseRequest{Paused: true})
	first := signedRequest(t, http.MethodPost, "/admin/pause", body)
	replayHeaders := first.Header.Clone()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, first)
	require.Equal(t, http.StatusOK, rec.Code)

	replay := httptest.NewRequest(http.MethodPost, "/admin/pause", bytes.NewReader(body))
	replay.Header = replayHeaders
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, replay)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestAdminPauseSetsGauge(t *testing.T) {
	srv, controller := testServer(t)
	body, _ := json.Marshal(pauseRequest{Paused: true})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, signedRequest(t, http.MethodPost, "/admin/pause", body))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(1), testutil.ToFloat64(observability.Peg().PauseGauge()))

	body, _ = json.Marshal(pauseRequest{Paused: false})
	req := httptest.NewRequest(http.MethodPost, "/admin/pause", bytes.NewReader(body))
	timestamp := fmt.Sprintf("%d", time.Now().Add(time.Second).Unix())
	nonce := fmt.Sprintf("nonce-%d", time.Now().UnixNano())
	sig := auth.ComputeSignature("secret", timestamp, nonce, http.MethodPost, "/admin/pause", body)
	req.Header.Set(auth.HeaderAPIKey, "ops")
	req.Header.Set(auth.HeaderTimestamp, timestamp)
	req.Header.Set(auth.HeaderNonce, nonce)
	req.Header.Set(auth.HeaderSignature, hex.EncodeToString(sig))

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(0), testutil.ToFloat64(observability.Peg().PauseGauge()))
	require.NotNil(t, controller.paused)
	require.False(t, *controller.paused)
}

func TestAdminSetParams(t *testing.T) {
	srv, controller := testServer(t)
	body, _ := json.Marshal(paramsPayload{
		BandBps:         300,
		SlippageBps:     1500,
		CooldownSeconds: 120,
		MinTradeSize:    "50000000",
		QuoteUSD:        "1",
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, signedRequest(t, http.MethodPost, "/admin/params", body))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, controller.params)
	require.Equal(t, uint64(300), controller.params.BandBps)
	require.Equal(t, "50000000", controller.params.MinTradeSize.String())
	require.Equal(t, 0, controller.params.QuoteUSD.Cmp(big.NewRat(1, 1)))
}

func TestAdminWithdraw(t *testing.T) {
	srv, controller := testServer(t)
	dest := testAddr(0x09)
	body, _ := json.Marshal(withdrawRequest{To: dest.String(), Amount: "250000"})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, signedRequest(t, http.MethodPost, "/admin/withdraw", body))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, controller.withdrawTo.Equal(dest))
	require.Equal(t, "250000", controller.withdrawn.String())
}

func TestAdminWithdrawRejectsBadPayload(t *testing.T) {
	srv, controller := testServer(t)
	body, _ := json.Marshal(withdrawRequest{To: "not-an-address", Amount: "250000"})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, signedRequest(t, http.MethodPost, "/admin/withdraw", body))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Nil(t, controller.withdrawn)
}
