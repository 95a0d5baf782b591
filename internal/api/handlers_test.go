package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"propchat/internal/auth"
	"propchat/internal/chat"
	"propchat/internal/config"
	"propchat/internal/models"
	"propchat/internal/realtime"
	"propchat/internal/service/account"
	"propchat/internal/service/listing"
	"propchat/internal/socket"
	"propchat/internal/storage"
)

const testSocketSecret = "handler-test-secret"

func TestSocketTokenBridge(t *testing.T) {
	router, db, _ := newTestServer(t, testSocketSecret)
	defer db.Close()

	userID, authHeader := registerAndLogin(t, router, "user")

	// No session at all.
	noAuth := doJSONRequest(t, router, http.MethodPost, "/api/auth/socket-token", nil, nil)
	assertStatus(t, noAuth, http.StatusUnauthorized)

	resp := doJSONRequest(t, router, http.MethodPost, "/api/auth/socket-token", nil, authHeader)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Token string `json:"token"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Token == "" {
		t.Fatalf("expected socket token")
	}

	verifier := socket.NewIssuer(testSocketSecret, socket.DefaultTokenTTL)
	ident, err := verifier.Verify(body.Token)
	if err != nil {
		t.Fatalf("verify issued token: %v", err)
	}
	if ident.ID != userID {
		t.Fatalf("token identity = %d, want %d", ident.ID, userID)
	}

	// A second request mints an independent token; both stay valid.
	resp2 := doJSONRequest(t, router, http.MethodPost, "/api/auth/socket-token", nil, authHeader)
	assertStatus(t, resp2, http.StatusOK)
	var body2 struct {
		Token string `json:"token"`
	}
	decodeJSON(t, resp2.Body.Bytes(), &body2)
	if body2.Token == "" {
		t.Fatalf("expected second socket token")
	}
	if _, err := verifier.Verify(body.Token); err != nil {
		t.Fatalf("first token should remain valid: %v", err)
	}
	if _, err := verifier.Verify(body2.Token); err != nil {
		t.Fatalf("second token should be valid: %v", err)
	}
}

func TestSocketTokenMisconfiguredSecret(t *testing.T) {
	router, db, _ := newTestServer(t, "")
	defer db.Close()

	_, authHeader := registerAndLogin(t, router, "user")
	resp := doJSONRequest(t, router, http.MethodPost, "/api/auth/socket-token", nil, authHeader)
	// A deployment fault is a server error, never surfaced as unauthorized.
	assertStatus(t, resp, http.StatusInternalServerError)
	var body struct {
		Error string `json:"error"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Error != "internal error" {
		t.Fatalf("secret detail must not leak, got %q", body.Error)
	}
}

func TestMessagingFlow(t *testing.T) {
	router, db, _ := newTestServer(t, testSocketSecret)
	defer db.Close()

	aliceID, aliceHeader := registerAndLogin(t, router, "user")
	bobID, bobHeader := registerAndLogin(t, router, "user")
	_, eveHeader := registerAndLogin(t, router, "user")

	convResp := doJSONRequest(t, router, http.MethodPost, "/api/conversations",
		map[string]any{"participant_ids": []int64{bobID}}, aliceHeader)
	assertStatus(t, convResp, http.StatusCreated)
	var convBody struct {
		Conversation models.Conversation `json:"conversation"`
	}
	decodeJSON(t, convResp.Body.Bytes(), &convBody)
	convID := convBody.Conversation.ID
	if convID == "" {
		t.Fatalf("expected conversation id")
	}

	sendResp := doJSONRequest(t, router, http.MethodPost, "/api/messages",
		map[string]any{"conversation_id": convID, "content": "hi"}, aliceHeader)
	assertStatus(t, sendResp, http.StatusCreated)
	var sendBody struct {
		Message models.Message `json:"message"`
	}
	decodeJSON(t, sendResp.Body.Bytes(), &sendBody)
	if sendBody.Message.Content != "hi" {
		t.Fatalf("message content = %q, want hi", sendBody.Message.Content)
	}
	if sendBody.Message.Sender == nil || sendBody.Message.Sender.ID != aliceID {
		t.Fatalf("expected sender projection for %d, got %+v", aliceID, sendBody.Message.Sender)
	}

	// An outsider with a session is still not a participant.
	eveResp := doJSONRequest(t, router, http.MethodPost, "/api/messages",
		map[string]any{"conversation_id": convID, "content": "let me in"}, eveHeader)
	assertStatus(t, eveResp, http.StatusForbidden)

	// Missing fields short-circuit before any write.
	badResp := doJSONRequest(t, router, http.MethodPost, "/api/messages",
		map[string]any{"conversation_id": convID}, aliceHeader)
	assertStatus(t, badResp, http.StatusBadRequest)

	// No session at all.
	anonResp := doJSONRequest(t, router, http.MethodPost, "/api/messages",
		map[string]any{"conversation_id": convID, "content": "hi"}, nil)
	assertStatus(t, anonResp, http.StatusUnauthorized)

	if got := countMessages(t, db, convID); got != 1 {
		t.Fatalf("expected 1 message, got %d", got)
	}

	// Bob can read and reply while active.
	listResp := doJSONRequest(t, router, http.MethodGet, "/api/conversations/"+convID+"/messages", nil, bobHeader)
	assertStatus(t, listResp, http.StatusOK)

	leaveResp := doJSONRequest(t, router, http.MethodPost, "/api/conversations/"+convID+"/leave", nil, bobHeader)
	assertStatus(t, leaveResp, http.StatusNoContent)

	afterLeave := doJSONRequest(t, router, http.MethodPost, "/api/messages",
		map[string]any{"conversation_id": convID, "content": "one more"}, bobHeader)
	assertStatus(t, afterLeave, http.StatusForbidden)
	if got := countMessages(t, db, convID); got != 1 {
		t.Fatalf("post-leave send must not persist, got %d messages", got)
	}

	// Alice's conversation list reflects the activity ordering key.
	convListResp := doJSONRequest(t, router, http.MethodGet, "/api/conversations", nil, aliceHeader)
	assertStatus(t, convListResp, http.StatusOK)
	var convListBody struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	decodeJSON(t, convListResp.Body.Bytes(), &convListBody)
	if len(convListBody.Conversations) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convListBody.Conversations))
	}
	if convListBody.Conversations[0].UpdatedAt.Before(sendBody.Message.CreatedAt) {
		t.Fatalf("conversation updated_at should be >= message created_at")
	}
}

func TestListingsAndLeads(t *testing.T) {
	router, db, _ := newTestServer(t, testSocketSecret)
	defer db.Close()

	_, userHeader := registerAndLogin(t, router, "user")
	agentID, agentHeader := registerAndLogin(t, router, "agent")

	// Plain users cannot create listings.
	denied := doJSONRequest(t, router, http.MethodPost, "/api/listings",
		map[string]any{"title": "Sunny flat", "price": 250000}, userHeader)
	assertStatus(t, denied, http.StatusForbidden)

	created := doJSONRequest(t, router, http.MethodPost, "/api/listings",
		map[string]any{"title": "Sunny flat", "price": 250000}, agentHeader)
	assertStatus(t, created, http.StatusCreated)
	var createdBody struct {
		Listing models.Listing `json:"listing"`
	}
	decodeJSON(t, created.Body.Bytes(), &createdBody)
	if createdBody.Listing.AgentID != agentID {
		t.Fatalf("listing agent = %d, want %d", createdBody.Listing.AgentID, agentID)
	}

	feed := doJSONRequest(t, router, http.MethodGet, "/api/listings", nil, nil)
	assertStatus(t, feed, http.StatusOK)

	// Lead capture is public.
	lead := doJSONRequest(t, router, http.MethodPost, "/api/leads",
		map[string]any{"listing_id": createdBody.Listing.ID, "name": "Ben", "email": "ben@example.com", "note": "call me"}, nil)
	assertStatus(t, lead, http.StatusCreated)

	missing := doJSONRequest(t, router, http.MethodPost, "/api/leads",
		map[string]any{"listing_id": 9999, "name": "Ben", "email": "ben@example.com"}, nil)
	assertStatus(t, missing, http.StatusNotFound)

	// Only the owning agent reads leads.
	path := fmt.Sprintf("/api/listings/%d/leads", createdBody.Listing.ID)
	leadsDenied := doJSONRequest(t, router, http.MethodGet, path, nil, userHeader)
	assertStatus(t, leadsDenied, http.StatusForbidden)

	leadsResp := doJSONRequest(t, router, http.MethodGet, path, nil, agentHeader)
	assertStatus(t, leadsResp, http.StatusOK)
	var leadsBody struct {
		Leads []models.Lead `json:"leads"`
	}
	decodeJSON(t, leadsResp.Body.Bytes(), &leadsBody)
	if len(leadsBody.Leads) != 1 || leadsBody.Leads[0].Name != "Ben" {
		t.Fatalf("unexpected leads: %+v", leadsBody.Leads)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	router, db, _ := newTestServer(t, testSocketSecret)
	defer db.Close()

	_, authHeader := registerAndLogin(t, router, "user")

	logoutResp := doJSONRequest(t, router, http.MethodPost, "/api/users/logout", nil, authHeader)
	assertStatus(t, logoutResp, http.StatusNoContent)

	afterLogout := doJSONRequest(t, router, http.MethodPost, "/api/auth/socket-token", nil, authHeader)
	assertStatus(t, afterLogout, http.StatusUnauthorized)
}

func TestHTTPSendDeliversToWebsocket(t *testing.T) {
	router, db, _ := newTestServer(t, testSocketSecret)
	defer db.Close()

	aliceID, aliceHeader := registerAndLogin(t, router, "user")
	bobID, bobHeader := registerAndLogin(t, router, "user")

	convResp := doJSONRequest(t, router, http.MethodPost, "/api/conversations",
		map[string]any{"participant_ids": []int64{bobID}}, aliceHeader)
	assertStatus(t, convResp, http.StatusCreated)
	var convBody struct {
		Conversation models.Conversation `json:"conversation"`
	}
	decodeJSON(t, convResp.Body.Bytes(), &convBody)

	tokenResp := doJSONRequest(t, router, http.MethodPost, "/api/auth/socket-token", nil, bobHeader)
	assertStatus(t, tokenResp, http.StatusOK)
	var tokenBody struct {
		Token string `json:"token"`
	}
	decodeJSON(t, tokenResp.Body.Bytes(), &tokenBody)

	server := httptest.NewServer(router)
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=" + tokenBody.Token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	// The handshake completes before the hub registers the client. A
	// malformed frame is answered from the read pump, which only starts
	// after registration, so its reply confirms Bob is in the roster.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var errFrame struct {
		Type string `json:"type"`
	}
	if err := conn.ReadJSON(&errFrame); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if errFrame.Type != "error" {
		t.Fatalf("expected error frame, got %+v", errFrame)
	}

	sendResp := doJSONRequest(t, router, http.MethodPost, "/api/messages",
		map[string]any{"conversation_id": convBody.Conversation.ID, "content": "via http"}, aliceHeader)
	assertStatus(t, sendResp, http.StatusCreated)

	// The HTTP-accepted message reaches Bob's websocket connection.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame struct {
		Type    string          `json:"type"`
		Message *models.Message `json:"message"`
	}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if frame.Type != "message" || frame.Message == nil {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	if frame.Message.Content != "via http" || frame.Message.SenderID != aliceID {
		t.Fatalf("unexpected message: %+v", frame.Message)
	}
}

func TestCSRFProtectsCookieSessions(t *testing.T) {
	router, db, _ := newTestServer(t, testSocketSecret)
	defer db.Close()

	email := fmt.Sprintf("cookie_%d@example.com", time.Now().UnixNano())
	regResp := doJSONRequest(t, router, http.MethodPost, "/api/users/register", map[string]string{
		"name": "Cookie", "email": email, "password": "pass123", "role": "user",
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)

	loginResp := doJSONRequest(t, router, http.MethodPost, "/api/users/login", map[string]string{
		"email": email, "password": "pass123",
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)

	var authCookie, csrfCookie string
	for _, ck := range loginResp.Result().Cookies() {
		switch ck.Name {
		case "auth_token":
			authCookie = ck.Value
		case "csrf_token":
			csrfCookie = ck.Value
		}
	}
	if authCookie == "" || csrfCookie == "" {
		t.Fatalf("login must set auth and csrf cookies")
	}
	cookieHeader := fmt.Sprintf("auth_token=%s; csrf_token=%s", authCookie, csrfCookie)

	// Cookie-authenticated POST without the double-submit header.
	denied := doJSONRequest(t, router, http.MethodPost, "/api/auth/socket-token", nil,
		map[string]string{"Cookie": cookieHeader})
	assertStatus(t, denied, http.StatusForbidden)

	granted := doJSONRequest(t, router, http.MethodPost, "/api/auth/socket-token", nil,
		map[string]string{"Cookie": cookieHeader, "X-CSRF-Token": csrfCookie})
	assertStatus(t, granted, http.StatusOK)

	mismatched := doJSONRequest(t, router, http.MethodPost, "/api/auth/socket-token", nil,
		map[string]string{"Cookie": cookieHeader, "X-CSRF-Token": "not-the-cookie"})
	assertStatus(t, mismatched, http.StatusForbidden)
}

func TestHealth(t *testing.T) {
	router, db, _ := newTestServer(t, testSocketSecret)
	defer db.Close()

	resp := doJSONRequest(t, router, http.MethodGet, "/healthz", nil, nil)
	assertStatus(t, resp, http.StatusOK)
}

func newTestServer(t *testing.T, socketSecret string) (*gin.Engine, *sql.DB, *Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}

	accounts := account.NewService(db)
	listings := listing.NewService(db)
	chatService := chat.NewService(db)
	authSvc := auth.NewService(db, nil, time.Hour)
	issuer := socket.NewIssuer(socketSecret, socket.DefaultTokenTTL)
	hub := realtime.NewHub(chatService, issuer)
	go hub.Run()
	t.Cleanup(hub.Stop)

	handler := NewHandler(accounts, listings, chatService, authSvc, issuer, hub, db)
	router := gin.New()
	handler.RegisterRoutes(router)
	return router, db, handler
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

func countMessages(t *testing.T, db *sql.DB, conversationID string) int {
	t.Helper()
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	return count
}

func registerAndLogin(t *testing.T, router *gin.Engine, role string) (int64, map[string]string) {
	t.Helper()
	email := fmt.Sprintf("tester_%d@example.com", time.Now().UnixNano())
	password := "pass123"
	regResp := doJSONRequest(t, router, http.MethodPost, "/api/users/register", map[string]string{
		"name":     "Tester",
		"email":    email,
		"password": password,
		"role":     role,
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)
	var regBody struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, regResp.Body.Bytes(), &regBody)
	if regBody.ID == 0 {
		t.Fatalf("expected user id in register response")
	}

	loginResp := doJSONRequest(t, router, http.MethodPost, "/api/users/login", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)
	var loginBody struct {
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, loginResp.Body.Bytes(), &loginBody)
	if loginBody.AuthToken == "" {
		t.Fatalf("expected auth token after login")
	}
	authHeader := map[string]string{"Authorization": fmt.Sprintf("Bearer %s", loginBody.AuthToken)}
	return regBody.ID, authHeader
}
