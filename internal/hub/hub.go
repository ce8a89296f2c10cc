package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"nexus-backend/internal/snowflake"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const sendBufferSize = 64

// Client is one live websocket connection. AccountID stays zero until
// the session authenticates with a `join` event; unauthenticated
// clients get their events silently dropped by the gateway.
type Client struct {
	SessionID int64
	Conn      *websocket.Conn
	Ctx       context.Context

	send   chan []byte
	cancel context.CancelFunc
	pubsub *redis.PubSub

	mu                 sync.Mutex
	accountID          int64
	currentCommunityID int64
	typingChannelID    int64
	rooms              map[string]bool

	// per-connection voice cue flags, ephemeral
	Muted    bool
	Deafened bool
}

// Close tears the connection down from the server side. Account
// deletion is the one path that forcibly ends sessions.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.Conn != nil {
		c.Conn.Close()
	}
}

func (c *Client) AccountID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accountID
}

func (c *Client) CurrentCommunityID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentCommunityID
}

func (c *Client) SetCurrentCommunityID(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentCommunityID = id
}

// TypingChannelID remembers where this session last signalled typing
// so a disconnect can clear the indicator.
func (c *Client) TypingChannelID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typingChannelID
}

func (c *Client) SetTypingChannelID(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typingChannelID = id
}

// Envelope is the wire frame: event name plus payload.
type Envelope struct {
	Event string          `json:"e"`
	Data  json.RawMessage `json:"d,omitempty"`
}

var clients = make(map[int64]*Client)
var sessionsByAccount = make(map[int64]map[int64]*Client)
var clientsMutex sync.Mutex

var sugar *zap.SugaredLogger
var redisClient *redis.Client
var selfContained = true
var local LocalPubSub

var redisCtx = context.Background()

// onEvent and onDisconnect are the gateway's entry points, injected at
// setup so hub stays transport-only.
var onEvent func(c *Client, event string, data json.RawMessage)
var onDisconnect func(c *Client)

func Setup(_sugar *zap.SugaredLogger, _redisClient *redis.Client, _selfContained bool) {
	sugar = _sugar
	redisClient = _redisClient
	selfContained = _selfContained
	local.Setup()
}

func SetHandlers(event func(c *Client, event string, data json.RawMessage), disconnect func(c *Client)) {
	onEvent = event
	onDisconnect = disconnect
}

// HandleClient upgrades the request and runs the connection until it
// drops. Authentication happens later over the socket itself.
func HandleClient(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sugar.Error(err)
		return
	}
	defer conn.Close()

	sessionID, err := snowflake.Generate()
	if err != nil {
		sugar.Error(err)
		return
	}

	clientCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &Client{
		SessionID: sessionID,
		Conn:      conn,
		Ctx:       clientCtx,
		send:      make(chan []byte, sendBufferSize),
		cancel:    cancel,
		rooms:     map[string]bool{},
	}

	if !selfContained {
		client.pubsub = redisClient.Subscribe(clientCtx)
		defer client.pubsub.Close()
	}

	setClient(sessionID, client)
	sugar.Debugf("Session ID %d connected", sessionID)

	// write pump: everything leaves through client.send so concurrent
	// broadcasts never interleave a frame
	go func() {
		for {
			select {
			case <-clientCtx.Done():
				return
			case frame := <-client.send:
				err := conn.WriteMessage(websocket.TextMessage, frame)
				if err != nil {
					cancel()
					return
				}
			}
		}
	}()

	// redis mode: forward room traffic into the write pump
	if !selfContained {
		msgCh := client.pubsub.Channel()
		go func() {
			for {
				select {
				case <-clientCtx.Done():
					return
				case msg, ok := <-msgCh:
					if !ok {
						return
					}
					client.enqueue([]byte(msg.Payload))
				}
			}
		}()
	}

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var envelope Envelope
		if err := json.Unmarshal(frame, &envelope); err != nil || envelope.Event == "" {
			// malformed frame, not worth an error event
			continue
		}

		if onEvent != nil {
			onEvent(client, envelope.Event, envelope.Data)
		}
	}

	if onDisconnect != nil {
		onDisconnect(client)
	}

	UnsubscribeAll(client)
	deleteClient(client)
	sugar.Debugf("Session ID %d disconnected", sessionID)
}

func (c *Client) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		// slow consumer; drop the connection rather than the backlog
		c.cancel()
	}
}

func setClient(sessionID int64, client *Client) {
	clientsMutex.Lock()
	defer clientsMutex.Unlock()

	clients[sessionID] = client
}

func deleteClient(client *Client) {
	clientsMutex.Lock()
	defer clientsMutex.Unlock()

	delete(clients, client.SessionID)

	accountID := client.AccountID()
	if accountID != 0 {
		sessions := sessionsByAccount[accountID]
		delete(sessions, client.SessionID)
		if len(sessions) == 0 {
			delete(sessionsByAccount, accountID)
		}
	}
}

func GetClient(sessionID int64) (*Client, bool) {
	clientsMutex.Lock()
	defer clientsMutex.Unlock()

	client, exists := clients[sessionID]
	return client, exists
}

// Authenticate binds the connection to an account after a successful
// `join`. Multiple simultaneous sessions per account are legal.
func Authenticate(client *Client, accountID int64) {
	client.mu.Lock()
	client.accountID = accountID
	client.mu.Unlock()

	clientsMutex.Lock()
	defer clientsMutex.Unlock()

	if sessionsByAccount[accountID] == nil {
		sessionsByAccount[accountID] = map[int64]*Client{}
	}
	sessionsByAccount[accountID][client.SessionID] = client
}

// IsOnline reports presence: online iff at least one authenticated
// session exists for the account.
func IsOnline(accountID int64) bool {
	clientsMutex.Lock()
	defer clientsMutex.Unlock()

	return len(sessionsByAccount[accountID]) > 0
}

func OnlineAccounts() []int64 {
	clientsMutex.Lock()
	defer clientsMutex.Unlock()

	ids := make([]int64, 0, len(sessionsByAccount))
	for id := range sessionsByAccount {
		ids = append(ids, id)
	}
	return ids
}

func SessionsForAccount(accountID int64) []int64 {
	clientsMutex.Lock()
	defer clientsMutex.Unlock()

	ids := make([]int64, 0, len(sessionsByAccount[accountID]))
	for id := range sessionsByAccount[accountID] {
		ids = append(ids, id)
	}
	return ids
}

func encodeEnvelope(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// SendTo delivers one event directly to one session, bypassing rooms.
// Error replies, init snapshots and signaling relays use this.
func SendTo(sessionID int64, event string, payload any) {
	client, exists := GetClient(sessionID)
	if !exists {
		return
	}

	frame, err := encodeEnvelope(event, payload)
	if err != nil {
		sugar.Error(err)
		return
	}
	client.enqueue(frame)
}

// Emit broadcasts one event to every session subscribed to the room.
func Emit(room string, event string, payload any) {
	frame, err := encodeEnvelope(event, payload)
	if err != nil {
		sugar.Error(err)
		return
	}

	if selfContained {
		local.Publish(room, frame)
		return
	}

	err = redisClient.Publish(redisCtx, room, frame).Err()
	if err != nil {
		sugar.Error(err)
	}
}

func Subscribe(client *Client, room string) error {
	client.mu.Lock()
	already := client.rooms[room]
	client.rooms[room] = true
	client.mu.Unlock()
	if already {
		return nil
	}

	if selfContained {
		local.Subscribe(room, client.SessionID)
		return nil
	}
	return client.pubsub.Subscribe(client.Ctx, room)
}

func Unsubscribe(client *Client, room string) error {
	client.mu.Lock()
	delete(client.rooms, room)
	client.mu.Unlock()

	if selfContained {
		local.Unsubscribe(room, client.SessionID)
		return nil
	}
	return client.pubsub.Unsubscribe(client.Ctx, room)
}

func UnsubscribeAll(client *Client) {
	client.mu.Lock()
	rooms := make([]string, 0, len(client.rooms))
	for room := range client.rooms {
		rooms = append(rooms, room)
	}
	client.rooms = map[string]bool{}
	client.mu.Unlock()

	for _, room := range rooms {
		if selfContained {
			local.Unsubscribe(room, client.SessionID)
		} else if err := client.pubsub.Unsubscribe(client.Ctx, room); err != nil {
			return
		}
	}
}
