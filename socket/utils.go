package socket

import (
	"bytes"

	"github.com/google/uuid"

	"github.com/kleeedolinux/resocket/socket/transport"
)

func generateID() string {
	return uuid.NewString()
}

// normalize turns whatever the transport delivered into byte messages.
// Fragmented binary data yields one message per fragment. Unknown payload
// types yield nil.
func normalize(ev transport.MessageEvent) []Message {
	switch data := ev.Data.(type) {
	case string:
		return []Message{{Type: ev.Type, Data: []byte(data)}}
	case []byte:
		return []Message{{Type: ev.Type, Data: data}}
	case *bytes.Buffer:
		return []Message{{Type: ev.Type, Data: data.Bytes()}}
	case [][]byte:
		msgs := make([]Message, 0, len(data))
		for _, fragment := range data {
			msgs = append(msgs, Message{Type: ev.Type, Data: fragment})
		}
		return msgs
	default:
		return nil
	}
}
