package chat

import (
	"fmt"
	"strconv"
	"strings"
)

// Subject layout:
//
//	chat.<roomId>               room traffic (Event payloads)
//	chat.history.watch.<roomId> discovery ping telling the history worker to
//	                            start watching a room (payload ignored)
//	chat.>                      legacy all-rooms wildcard, superseded by
//	                            per-room discovery
const (
	WatchWildcard  = "chat.history.watch.*"
	LegacyWildcard = "chat.>"
)

// Subject returns the room traffic subject for a room.
func Subject(roomID int64) string {
	return "chat." + strconv.FormatInt(roomID, 10)
}

// WatchSubject returns the discovery subject for a room.
func WatchSubject(roomID int64) string {
	return "chat.history.watch." + strconv.FormatInt(roomID, 10)
}

// RoomFromWatchSubject extracts the room id from a discovery subject.
func RoomFromWatchSubject(subject string) (int64, error) {
	idx := strings.LastIndex(subject, ".")
	if idx < 0 {
		return 0, fmt.Errorf("invalid watch subject %q", subject)
	}
	id, err := strconv.ParseInt(subject[idx+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid watch subject %q: %w", subject, err)
	}
	return id, nil
}
