package user

import (
	"strconv"

	"gigchat/internal/chat"
)

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Password string `json:"-"`
}

// ChatID is the user's id as the chat engine spells it.
func (u User) ChatID() chat.UserID {
	return chat.UserID(strconv.FormatInt(u.ID, 10))
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RegisterResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	ID          int64  `json:"id"`
	Username    string `json:"username"`
}
