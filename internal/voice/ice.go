package voice

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"nexus-backend/internal/models"

	"github.com/pion/webrtc/v4"
)

const defaultTurnTTL = 3600 * time.Second

// ICEServers builds the STUN/TURN list handed to a voice client. TURN
// credentials follow the coturn REST convention: the username is
// "<unix expiry>:<account id>" and the credential is the
// base64-encoded HMAC-SHA1 of that username under the shared secret.
// The TURN server re-derives the HMAC, so nothing is ever stored and
// the credential expires on its own.
func ICEServers(cfg *models.ConfigFile, accountID int64, now time.Time) []webrtc.ICEServer {
	var servers []webrtc.ICEServer

	if len(cfg.StunURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.StunURLs})
	}

	if len(cfg.TurnURLs) > 0 && cfg.TurnSecret != "" {
		ttl := defaultTurnTTL
		if cfg.TurnTTLSeconds > 0 {
			ttl = time.Duration(cfg.TurnTTLSeconds) * time.Second
		}

		username := fmt.Sprintf("%d:%d", now.Add(ttl).Unix(), accountID)
		servers = append(servers, webrtc.ICEServer{
			URLs:       cfg.TurnURLs,
			Username:   username,
			Credential: turnCredential(cfg.TurnSecret, username),
		})
	}

	return servers
}

func turnCredential(secret string, username string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// CommunityICEServers prefers a community's own ICE override when one
// is configured, falling back to the instance-wide list.
func CommunityICEServers(cfg *models.ConfigFile, override string, accountID int64, now time.Time) []webrtc.ICEServer {
	if override != "" {
		var servers []webrtc.ICEServer
		if err := json.Unmarshal([]byte(override), &servers); err == nil && len(servers) > 0 {
			return servers
		}
	}
	return ICEServers(cfg, accountID, now)
}
