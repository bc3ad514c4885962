package collab

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// RoomToken carries the identity claims minted by the room service.
// Verification happens server-side. Clients parse unverified to read
// their own identity defaults.
type RoomToken struct {
	RoomId   string
	UserId   string
	UserName string
}

func ParseRoomTokenUnverified(jwt string) (*RoomToken, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	roomToken := &RoomToken{}

	if roomId, ok := claims["room_id"]; ok {
		if roomIdStr, ok := roomId.(string); ok {
			roomToken.RoomId = roomIdStr
		}
	}
	if userId, ok := claims["user_id"]; ok {
		if userIdStr, ok := userId.(string); ok {
			roomToken.UserId = userIdStr
		}
	}
	if userName, ok := claims["user_name"]; ok {
		if userNameStr, ok := userName.(string); ok {
			roomToken.UserName = userNameStr
		}
	}

	return roomToken, nil
}
