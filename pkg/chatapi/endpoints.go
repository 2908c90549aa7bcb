package chatapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/noah-isme/gema-chat-client/internal/dto"
	"github.com/noah-isme/gema-chat-client/internal/models"
)

// ErrUnsupportedPicture is returned when a profile picture is not an image.
var ErrUnsupportedPicture = errors.New("profile picture must be an image")

// SendOTP asks the backend to email a one-time code.
func (c *Client) SendOTP(ctx context.Context, email string) error {
	return c.doJSON(ctx, "send_otp", http.MethodPost, "/api/auth/send-otp/", "", dto.EmailRequest{Email: email}, nil)
}

// VerifyOTP confirms the code and returns the issued tokens.
func (c *Client) VerifyOTP(ctx context.Context, email, otp string) (dto.AuthResponse, error) {
	var response dto.AuthResponse
	err := c.doJSON(ctx, "verify_otp", http.MethodPost, "/api/auth/verify-otp/", "", dto.VerifyOTPRequest{Email: email, OTP: otp}, &response)
	return response, err
}

// SetPassword stores a password for the account behind token.
func (c *Client) SetPassword(ctx context.Context, token, email, password string) error {
	return c.doJSON(ctx, "set_password", http.MethodPost, "/api/auth/set-password/", token, dto.PasswordRequest{Email: email, Password: password}, nil)
}

// Login exchanges an email and password for tokens.
func (c *Client) Login(ctx context.Context, email, password string) (dto.AuthResponse, error) {
	var response dto.AuthResponse
	err := c.doJSON(ctx, "login", http.MethodPost, "/api/auth/login/", "", dto.PasswordRequest{Email: email, Password: password}, &response)
	return response, err
}

// RefreshTokens exchanges a refresh token for a new token pair. The refresh
// token in the result is empty when the backend did not rotate it.
func (c *Client) RefreshTokens(ctx context.Context, refresh string) (models.TokenPair, error) {
	var response dto.AuthResponse
	if err := c.doJSON(ctx, "refresh_tokens", http.MethodPost, "/get-tokens/", "", dto.RefreshRequest{Refresh: refresh}, &response); err != nil {
		return models.TokenPair{}, err
	}
	if response.Tokens == nil || response.Tokens.Access == "" {
		return models.TokenPair{}, &APIError{Operation: "refresh_tokens", Status: http.StatusOK, Message: "response carried no access token"}
	}
	return *response.Tokens, nil
}

// CurrentUser returns the profile of the signed-in user.
func (c *Client) CurrentUser(ctx context.Context, token string) (models.User, error) {
	var response dto.UserResponse
	err := c.doJSON(ctx, "current_user", http.MethodGet, "/get-me/", token, nil, &response)
	return response.User, err
}

// Users returns the full roster.
func (c *Client) Users(ctx context.Context, token string) ([]models.User, error) {
	var response dto.UsersResponse
	if err := c.doJSON(ctx, "users", http.MethodGet, "/get-all-users/", token, nil, &response); err != nil {
		return nil, err
	}
	if response.Users == nil {
		return []models.User{}, nil
	}
	return response.Users, nil
}

// PrivateChats returns the full history with peerID in chronological order.
func (c *Client) PrivateChats(ctx context.Context, token string, peerID int64) ([]models.Message, error) {
	var response dto.MessagesResponse
	path := fmt.Sprintf("/get-private-chats/%d/", peerID)
	if err := c.doJSON(ctx, "private_chats", http.MethodGet, path, token, nil, &response); err != nil {
		return nil, err
	}
	return dto.NewMessageSlice(response.Messages), nil
}

// UnreadMessages returns every message the current user has not seen yet,
// across all rooms.
func (c *Client) UnreadMessages(ctx context.Context, token string) ([]models.Message, error) {
	var response dto.MessagesResponse
	if err := c.doJSON(ctx, "unread_messages", http.MethodGet, "/get-unread-messages/", token, nil, &response); err != nil {
		return nil, err
	}
	return dto.NewMessageSlice(response.Messages), nil
}

// UpdateProfile sends the profile fields and optional picture as multipart
// form data and returns the updated user.
func (c *Client) UpdateProfile(ctx context.Context, token string, update dto.ProfileUpdateRequest) (models.User, error) {
	body, contentType, err := encodeProfileForm(update)
	if err != nil {
		return models.User{}, err
	}

	var response dto.UserResponse
	err = c.do(ctx, request{
		operation:   "update_profile",
		method:      http.MethodPatch,
		path:        "/update-profile/",
		token:       token,
		body:        body,
		contentType: contentType,
	}, &response)
	return response.User, err
}

func encodeProfileForm(update dto.ProfileUpdateRequest) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)

	for name, value := range update.Fields() {
		if err := writer.WriteField(name, value); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", name, err)
		}
	}

	if len(update.Picture) > 0 {
		detected := mimetype.Detect(update.Picture)
		if !strings.HasPrefix(detected.String(), "image/") {
			return nil, "", fmt.Errorf("%w: detected %s", ErrUnsupportedPicture, detected.String())
		}

		filename := strings.TrimSpace(update.PictureName)
		if filename == "" {
			filename = "profile" + detected.Extension()
		}

		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="profile_pic"; filename=%q`, filename))
		header.Set("Content-Type", detected.String())
		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, "", fmt.Errorf("create picture part: %w", err)
		}
		if _, err := part.Write(update.Picture); err != nil {
			return nil, "", fmt.Errorf("write picture part: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return buf, writer.FormDataContentType(), nil
}
