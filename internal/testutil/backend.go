// Package testutil provides an in-process chat backend for tests. It speaks the
// same REST and websocket protocol as the real backend.
package testutil

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/noah-isme/gema-chat-client/internal/dto"
	"github.com/noah-isme/gema-chat-client/internal/models"
)

// ProfileUpload records one multipart profile update received by the backend.
type ProfileUpload struct {
	Fields      map[string]string
	PictureType string
	PictureSize int64
}

// Backend is a fake chat backend bound to a local listener.
type Backend struct {
	URL string

	mu                 sync.Mutex
	accessToken        string
	refreshToken       string
	rotatedAccess      string
	rejectRefresh      bool
	alwaysUnauthorized bool
	me                 models.User
	users              []models.User
	history            map[int64][]dto.WireMessage
	unread             []dto.WireMessage
	calls              map[string]int
	frames             map[string][]dto.ChatFrame
	conns              map[string]*websocket.Conn
	uploads            []ProfileUpload
	writeMu            sync.Mutex
}

// StartBackend starts a fake backend that is shut down when the test ends.
func StartBackend(t *testing.T) *Backend {
	t.Helper()

	b := &Backend{
		accessToken:   "access-1",
		refreshToken:  "refresh-1",
		rotatedAccess: "access-2",
		history:       make(map[int64][]dto.WireMessage),
		calls:         make(map[string]int),
		frames:        make(map[string][]dto.ChatFrame),
		conns:         make(map[string]*websocket.Conn),
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	b.register(app)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}

	done := make(chan struct{})
	go func() {
		if err := app.Listener(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("fiber listener stopped: %v", err)
		}
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)

	t.Cleanup(func() {
		_ = app.Shutdown()
		_ = listener.Close()
		select {
		case <-done:
		case <-time.After(100 * time.Millisecond):
		}
	})

	b.URL = "http://" + listener.Addr().String()
	return b
}

// SocketURL returns the websocket base address of the backend.
func (b *Backend) SocketURL() string {
	return "ws" + strings.TrimPrefix(b.URL, "http")
}

// Tokens returns the pair the backend currently accepts.
func (b *Backend) Tokens() models.TokenPair {
	b.mu.Lock()
	defer b.mu.Unlock()
	return models.TokenPair{Access: b.accessToken, Refresh: b.refreshToken}
}

// ExpireAccessToken makes the current access token invalid; the next refresh
// issues rotated instead.
func (b *Backend) ExpireAccessToken(rotated string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accessToken = "expired-" + b.accessToken
	b.rotatedAccess = rotated
}

// RejectRefresh makes the refresh endpoint answer 401.
func (b *Backend) RejectRefresh(reject bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectRefresh = reject
}

// AlwaysUnauthorized makes every bearer endpoint answer 401.
func (b *Backend) AlwaysUnauthorized(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alwaysUnauthorized = enabled
}

// SetMe sets the profile returned by get-me.
func (b *Backend) SetMe(user models.User) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.me = user
}

// SetUsers sets the roster.
func (b *Backend) SetUsers(users ...models.User) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users = append([]models.User(nil), users...)
}

// SetHistory sets the private chat history with peerID.
func (b *Backend) SetHistory(peerID int64, messages ...dto.WireMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history[peerID] = append([]dto.WireMessage(nil), messages...)
}

// SetUnread sets the unread backlog.
func (b *Backend) SetUnread(messages ...dto.WireMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unread = append([]dto.WireMessage(nil), messages...)
}

// Calls returns how many times an operation was requested.
func (b *Backend) Calls(operation string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[operation]
}

// Uploads returns the received profile updates.
func (b *Backend) Uploads() []ProfileUpload {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ProfileUpload(nil), b.uploads...)
}

// Frames returns the frames received on a room socket.
func (b *Backend) Frames(room string) []dto.ChatFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]dto.ChatFrame(nil), b.frames[room]...)
}

// Connected reports whether a client socket is attached to room.
func (b *Backend) Connected(room string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.conns[room]
	return ok
}

// Push sends a frame to the client connected to room.
func (b *Backend) Push(room string, frame dto.ChatFrame) error {
	b.mu.Lock()
	conn, ok := b.conns[room]
	b.mu.Unlock()
	if !ok {
		return errors.New("no client connected to room " + room)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return conn.WriteJSON(frame)
}

// Disconnect closes the socket of room from the server side.
func (b *Backend) Disconnect(room string) {
	b.mu.Lock()
	conn, ok := b.conns[room]
	b.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

func (b *Backend) count(operation string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[operation]++
}

func (b *Backend) register(app *fiber.App) {
	app.Head("/", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	auth := app.Group("/api/auth")
	auth.Post("/send-otp/", b.sendOTP)
	auth.Post("/verify-otp/", b.verifyOTP)
	auth.Post("/set-password/", b.requireBearer("set_password"), b.setPassword)
	auth.Post("/login/", b.login)

	app.Post("/get-tokens/", b.refresh)
	app.Get("/get-me/", b.requireBearer("current_user"), b.currentUser)
	app.Get("/get-all-users/", b.requireBearer("users"), b.allUsers)
	app.Get("/get-private-chats/:peer/", b.requireBearer("private_chats"), b.privateChats)
	app.Get("/get-unread-messages/", b.requireBearer("unread_messages"), b.unreadMessages)
	app.Patch("/update-profile/", b.requireBearer("update_profile"), b.updateProfile)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		b.count("socket_handshake")

		b.mu.Lock()
		expected := "Bearer " + b.accessToken
		b.mu.Unlock()
		if c.Get("Authorization") != expected {
			return c.SendStatus(fiber.StatusUnauthorized)
		}
		return c.Next()
	})
	app.Get("/ws/chat/:room/", websocket.New(b.serveRoom))
}

func (b *Backend) requireBearer(operation string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		b.count(operation)

		b.mu.Lock()
		expected := "Bearer " + b.accessToken
		always := b.alwaysUnauthorized
		b.mu.Unlock()

		if always || c.Get("Authorization") != expected {
			return c.Status(fiber.StatusUnauthorized).JSON(dto.StatusResponse{Success: false, Message: "token expired"})
		}
		return c.Next()
	}
}

func (b *Backend) sendOTP(c *fiber.Ctx) error {
	b.count("send_otp")
	var payload dto.EmailRequest
	if err := c.BodyParser(&payload); err != nil || payload.Email == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.StatusResponse{Success: false, Error: "email required"})
	}
	return c.JSON(dto.StatusResponse{Success: true, Message: "otp sent"})
}

func (b *Backend) verifyOTP(c *fiber.Ctx) error {
	b.count("verify_otp")
	var payload dto.VerifyOTPRequest
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.StatusResponse{Success: false, Error: "invalid payload"})
	}
	if payload.OTP != "123456" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.StatusResponse{Success: false, Message: "invalid otp"})
	}
	isNew := strings.HasPrefix(payload.Email, "new")
	tokens := b.Tokens()
	return c.JSON(dto.AuthResponse{Success: true, Tokens: &tokens, IsNewUser: &isNew})
}

func (b *Backend) setPassword(c *fiber.Ctx) error {
	return c.JSON(dto.StatusResponse{Success: true, Message: "password set"})
}

func (b *Backend) login(c *fiber.Ctx) error {
	b.count("login")
	var payload dto.PasswordRequest
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.StatusResponse{Success: false, Error: "invalid payload"})
	}
	if payload.Password != "correct-horse" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.StatusResponse{Success: false, Error: "invalid credentials"})
	}
	tokens := b.Tokens()
	return c.JSON(dto.AuthResponse{Success: true, Tokens: &tokens})
}

func (b *Backend) refresh(c *fiber.Ctx) error {
	b.count("refresh_tokens")
	var payload dto.RefreshRequest
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.StatusResponse{Success: false, Error: "invalid payload"})
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rejectRefresh || payload.Refresh != b.refreshToken {
		return c.Status(fiber.StatusUnauthorized).JSON(dto.StatusResponse{Success: false, Message: "refresh token invalid"})
	}
	b.accessToken = b.rotatedAccess
	return c.JSON(dto.AuthResponse{Success: true, Tokens: &models.TokenPair{Access: b.accessToken}})
}

func (b *Backend) currentUser(c *fiber.Ctx) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return c.JSON(dto.UserResponse{Success: true, User: b.me})
}

func (b *Backend) allUsers(c *fiber.Ctx) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return c.JSON(dto.UsersResponse{Success: true, Users: b.users})
}

func (b *Backend) privateChats(c *fiber.Ctx) error {
	peer, err := strconv.ParseInt(c.Params("peer"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.StatusResponse{Success: false, Error: "invalid peer"})
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return c.JSON(dto.MessagesResponse{Success: true, Messages: b.history[peer]})
}

func (b *Backend) unreadMessages(c *fiber.Ctx) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return c.JSON(dto.MessagesResponse{Success: true, Messages: b.unread})
}

func (b *Backend) updateProfile(c *fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.StatusResponse{Success: false, Error: "multipart form required"})
	}

	upload := ProfileUpload{Fields: map[string]string{}}
	for key, values := range form.Value {
		if len(values) > 0 {
			upload.Fields[key] = values[0]
		}
	}
	if files := form.File["profile_pic"]; len(files) > 0 {
		upload.PictureType = files[0].Header.Get("Content-Type")
		upload.PictureSize = files[0].Size
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploads = append(b.uploads, upload)
	updated := b.me.Merge(models.User{
		FirstName: upload.Fields["first_name"],
		LastName:  upload.Fields["last_name"],
		Username:  upload.Fields["username"],
		Level:     upload.Fields["level"],
		Bio:       upload.Fields["bio"],
	})
	if upload.PictureSize > 0 {
		updated.ProfilePic = "/media/profile_pics/" + strconv.FormatInt(updated.ID, 10)
	}
	b.me = updated
	return c.JSON(dto.UserResponse{Success: true, User: updated})
}

func (b *Backend) serveRoom(conn *websocket.Conn) {
	room := conn.Params("room")

	b.mu.Lock()
	b.conns[room] = conn
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		if b.conns[room] == conn {
			delete(b.conns, room)
		}
		b.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		var frame dto.ChatFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		b.mu.Lock()
		b.frames[room] = append(b.frames[room], frame)
		b.mu.Unlock()
	}
}
