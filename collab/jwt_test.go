package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
)

func TestParseRoomTokenUnverified(t *testing.T) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"room_id":   "room1",
		"user_id":   "u1",
		"user_name": "alice",
	})
	jwt, err := token.SignedString([]byte("test-secret"))
	assert.Equal(t, nil, err)

	roomToken, err := ParseRoomTokenUnverified(jwt)
	assert.Equal(t, nil, err)
	assert.Equal(t, "room1", roomToken.RoomId)
	assert.Equal(t, "u1", roomToken.UserId)
	assert.Equal(t, "alice", roomToken.UserName)
}

func TestParseRoomTokenMissingClaims(t *testing.T) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id": "u1",
	})
	jwt, err := token.SignedString([]byte("test-secret"))
	assert.Equal(t, nil, err)

	roomToken, err := ParseRoomTokenUnverified(jwt)
	assert.Equal(t, nil, err)
	assert.Equal(t, "u1", roomToken.UserId)
	assert.Equal(t, "", roomToken.RoomId)
	assert.Equal(t, "", roomToken.UserName)
}

func TestParseRoomTokenMalformed(t *testing.T) {
	_, err := ParseRoomTokenUnverified("not a jwt")
	assert.NotEqual(t, err, nil)
}
