package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoomIDIsSymmetric(t *testing.T) {
	pairs := [][2]int64{{3, 7}, {7, 3}, {1, 1}, {42, 9}, {0, 1000000}}
	for _, pair := range pairs {
		require.Equal(t, RoomID(pair[0], pair[1]), RoomID(pair[1], pair[0]))
	}
	require.Equal(t, "chat_3_7", RoomID(7, 3))
}

func TestMessageIDAcceptsNumbersAndStrings(t *testing.T) {
	var decoded []Message
	require.NoError(t, json.Unmarshal([]byte(`[
		{"id": 12, "message": "n", "timestamp": 1700000000},
		{"id": "abc-1", "message": "s", "timestamp": "10:30 AM"},
		{"id": "007", "message": "z"}
	]`), &decoded))

	require.Equal(t, MessageID("12"), decoded[0].ID)
	require.Equal(t, Timestamp("1700000000"), decoded[0].Timestamp)
	require.Equal(t, MessageID("abc-1"), decoded[1].ID)

	encoded, err := json.Marshal(decoded)
	require.NoError(t, err)
	require.JSONEq(t, `[
		{"id": 12, "sender": "", "message": "n", "timestamp": 1700000000},
		{"id": "abc-1", "sender": "", "message": "s", "timestamp": "10:30 AM"},
		{"id": "007", "sender": "", "message": "z"}
	]`, string(encoded))

	var bad Message
	require.Error(t, json.Unmarshal([]byte(`{"id": true}`), &bad))
}

func TestMessageIDKeepsNonIntegerTextAsString(t *testing.T) {
	encoded, err := json.Marshal([]MessageID{"42", "-7", "0", "1.5", "1e3", "007", "-"})
	require.NoError(t, err)
	require.JSONEq(t, `[42, -7, 0, "1.5", "1e3", "007", "-"]`, string(encoded))

	var decoded Message
	require.NoError(t, json.Unmarshal([]byte(`{"id": 1.5, "message": "x"}`), &decoded))
	require.Equal(t, MessageID("1.5"), decoded.ID)
}

func TestMergeMessages(t *testing.T) {
	existing := []Message{{ID: "1", Body: "a"}, {ID: "2", Body: "b"}}

	merged, added := MergeMessages(existing, Message{ID: "3", Body: "c"})
	require.Equal(t, 1, added)
	require.Len(t, merged, 3)

	again, added := MergeMessages(merged, Message{ID: "3", Body: "c"})
	require.Zero(t, added)
	require.Equal(t, merged, again)

	ordered, added := MergeMessages(existing, Message{ID: "5"}, Message{ID: "4"}, Message{ID: ""})
	require.Equal(t, 2, added)
	require.Equal(t, MessageID("5"), ordered[2].ID)
	require.Equal(t, MessageID("4"), ordered[3].ID)

	echoed, added := MergeMessages([]Message{{ID: "1700000000000", ClientID: "c-1"}}, Message{ID: "99", ClientID: "c-1"})
	require.Zero(t, added)
	require.Len(t, echoed, 1)
}

func TestUserMergeAndDisplayName(t *testing.T) {
	user := User{ID: 3, FirstName: "Ana", Email: "ana@example.com"}
	merged := user.Merge(User{ID: 99, Bio: "hi", FirstName: ""})

	require.Equal(t, int64(3), merged.ID)
	require.Equal(t, "Ana", merged.FirstName)
	require.Equal(t, "hi", merged.Bio)
	require.Equal(t, "Ana", merged.DisplayName())
	require.Equal(t, "ana@example.com", User{Email: "ana@example.com"}.DisplayName())
}
