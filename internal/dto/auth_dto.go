package dto

import "github.com/noah-isme/gema-chat-client/internal/models"

// EmailRequest starts an OTP sign-in.
type EmailRequest struct {
	Email string `json:"email" validate:"required,email,max=255"`
}

// VerifyOTPRequest confirms the code sent by email.
type VerifyOTPRequest struct {
	Email string `json:"email" validate:"required,email,max=255"`
	OTP   string `json:"otp" validate:"required,len=6,numeric"`
}

// PasswordRequest is used both to set a password and to log in with one.
type PasswordRequest struct {
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

// RefreshRequest exchanges a refresh token for a new access token.
type RefreshRequest struct {
	Refresh string `json:"refresh"`
}

// AuthResponse is returned by verify-otp, login and get-tokens.
type AuthResponse struct {
	Success   bool              `json:"success"`
	Message   string            `json:"message,omitempty"`
	Tokens    *models.TokenPair `json:"tokens,omitempty"`
	IsNewUser *bool             `json:"isNewUser,omitempty"`
}

// StatusResponse is the minimal envelope every endpoint returns.
type StatusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// UserResponse wraps a single user.
type UserResponse struct {
	Success bool        `json:"success"`
	User    models.User `json:"user"`
}

// UsersResponse wraps the roster.
type UsersResponse struct {
	Success bool          `json:"success"`
	Users   []models.User `json:"users"`
}

// MessagesResponse wraps room history or the unread backlog.
type MessagesResponse struct {
	Success  bool          `json:"success"`
	Messages []WireMessage `json:"messages"`
}

// ProfileUpdateRequest carries the editable profile fields. Picture is the raw
// image content; it is sent as the profile_pic multipart part when present.
type ProfileUpdateRequest struct {
	FirstName   string `validate:"omitempty,max=150"`
	LastName    string `validate:"omitempty,max=150"`
	Username    string `validate:"omitempty,max=150"`
	Level       string `validate:"omitempty,oneof='1st Year' '2nd Year' '3rd Year' '4th Year' 'Graduate'"`
	Bio         string `validate:"omitempty,max=500"`
	Picture     []byte `validate:"omitempty,max=5242880"`
	PictureName string `validate:"omitempty,max=255"`
}

// Fields returns the non-empty text fields keyed by their form names.
func (r ProfileUpdateRequest) Fields() map[string]string {
	fields := map[string]string{}
	for key, value := range map[string]string{
		"first_name": r.FirstName,
		"last_name":  r.LastName,
		"username":   r.Username,
		"level":      r.Level,
		"bio":        r.Bio,
	} {
		if value != "" {
			fields[key] = value
		}
	}
	return fields
}
