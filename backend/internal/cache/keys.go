package cache

import "fmt"

// Key semantics:
// - roomKey(sessionID):   session members (ZSet<userId, expireAtUnix>, score=expireAt)
// - namesKey(sessionID):  userId -> username (Hash)
// - colorsKey(sessionID): userId -> color (Hash)
// - cursorKey/selectionKey: per-user JSON blob with a real TTL

const (
	keyRoomFmt      = "presence:session:{id:%s}"
	keyNamesFmt     = "presence:session:names:{id:%s}"
	keyColorsFmt    = "presence:session:colors:{id:%s}"
	keyCursorFmt    = "presence:cursor:%s:%s"
	keySelectionFmt = "presence:selection:%s:%s"
)

func roomKey(sessionID string) string   { return fmt.Sprintf(keyRoomFmt, sessionID) }
func namesKey(sessionID string) string  { return fmt.Sprintf(keyNamesFmt, sessionID) }
func colorsKey(sessionID string) string { return fmt.Sprintf(keyColorsFmt, sessionID) }

func cursorKey(sessionID, userID string) string {
	return fmt.Sprintf(keyCursorFmt, sessionID, userID)
}

func selectionKey(sessionID, userID string) string {
	return fmt.Sprintf(keySelectionFmt, sessionID, userID)
}
