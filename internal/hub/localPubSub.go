package hub

import (
	"fmt"
	"sync"
)

// Room keys. A session subscribes to the rooms it is looking at: the
// community list, its selected community, its selected channel, its DM
// channels, and its own account room for cross-device events.
func RoomChannel(channelID int64) string     { return fmt.Sprintf("channel:%d", channelID) }
func RoomCommunity(communityID int64) string { return fmt.Sprintf("community:%d", communityID) }
func RoomDM(dmID int64) string               { return fmt.Sprintf("dm:%d", dmID) }
func RoomAccount(accountID int64) string     { return fmt.Sprintf("account:%d", accountID) }

const RoomCommunityList = "communities"

// LocalPubSub replaces redis pub/sub in self-contained deployments:
// room keys map to subscribed session IDs within this process.
type LocalPubSub struct {
	mutex   sync.RWMutex
	hashMap map[string][]int64
}

func (ps *LocalPubSub) Setup() {
	ps.hashMap = make(map[string][]int64)
}

func (ps *LocalPubSub) Unsubscribe(room string, sessionID int64) {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	sessionIDs := ps.hashMap[room]

	// this won't run in case the room doesn't exist since length will be 0
	for i := range sessionIDs {
		if sessionIDs[i] == sessionID {
			sessionIDs[i] = sessionIDs[len(sessionIDs)-1]
			ps.hashMap[room] = sessionIDs[:len(sessionIDs)-1]
			break
		}
	}

	// delete the room from the map once nobody is subscribed to it
	if len(ps.hashMap[room]) == 0 {
		delete(ps.hashMap, room)
	}
}

func (ps *LocalPubSub) Subscribe(room string, sessionID int64) {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	ps.hashMap[room] = append(ps.hashMap[room], sessionID)
}

func (ps *LocalPubSub) Publish(room string, frame []byte) {
	ps.mutex.RLock()
	defer ps.mutex.RUnlock()

	sessionIDs := ps.hashMap[room]
	for i := range sessionIDs {
		client, exists := GetClient(sessionIDs[i])
		if exists {
			client.enqueue(frame)
		} else {
			sugar.Warnf("Session ID %d is supposed to be available", sessionIDs[i])
		}
	}
}
