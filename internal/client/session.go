package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mingleapp/chatd/internal/config"
	"github.com/mingleapp/chatd/internal/protocol"
	"github.com/mingleapp/chatd/internal/storage"
)

// Session owns the client's HTTP credentials and the live websocket.
type Session struct {
	cfg  config.ClientConfig
	http *http.Client
	conn *websocket.Conn

	Token    string
	UserID   string
	Username string
}

// NewSession prepares a disconnected session for the configured server.
func NewSession(cfg config.ClientConfig) *Session {
	return &Session{
		cfg:  cfg,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

type tokenResponse struct {
	Token    string `json:"token"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Register creates an account and stores the issued token.
func (s *Session) Register(username, password string) error {
	return s.authRequest("/auth/register", username, password)
}

// Login authenticates and stores the issued token.
func (s *Session) Login(username, password string) error {
	return s.authRequest("/auth/login", username, password)
}

func (s *Session) authRequest(path, username, password string) error {
	body, err := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return err
	}
	resp, err := s.http.Post(s.cfg.ServerURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("request failed: %s", resp.Status)
	}

	var token tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return err
	}
	s.Token = token.Token
	s.UserID = token.UserID
	s.Username = token.Username
	return nil
}

// Connect dials the websocket endpoint with the stored token.
func (s *Session) Connect() error {
	wsURL, err := websocketURL(s.cfg.ServerURL, s.Token)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

// ReadFrame blocks until the next frame arrives.
func (s *Session) ReadFrame() (protocol.Frame, error) {
	var frame protocol.Frame
	if s.conn == nil {
		return frame, fmt.Errorf("not connected")
	}
	err := s.conn.ReadJSON(&frame)
	return frame, err
}

// SendFrame writes one frame to the server.
func (s *Session) SendFrame(frame protocol.Frame) error {
	if s.conn == nil {
		return fmt.Errorf("not connected")
	}
	return s.conn.WriteJSON(frame)
}

// Rooms fetches the caller's visible rooms, newest activity first.
func (s *Session) Rooms() ([]storage.RoomSummary, error) {
	var rooms []storage.RoomSummary
	if err := s.getJSON("/rooms", &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// RoomMessage is one history entry from the server.
type RoomMessage struct {
	ID      uint      `json:"id"`
	UserID  string    `json:"user_id"`
	Content string    `json:"content"`
	Created time.Time `json:"created"`
}

// RoomMessages fetches the full history for a room.
func (s *Session) RoomMessages(room string) ([]RoomMessage, error) {
	var messages []RoomMessage
	if err := s.getJSON("/rooms/"+url.PathEscape(room)+"/messages", &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *Session) getJSON(path string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, s.cfg.ServerURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.Token)
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Close tears down the websocket if open.
func (s *Session) Close() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func websocketURL(serverURL, token string) (string, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/ws"
	query := parsed.Query()
	query.Set("token", token)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
