package jwt

import (
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type SessionToken struct {
	AccountID int64 `json:"accountID"`
	Remember  bool  `json:"rem"`
	jwt.RegisteredClaims
}

var jwtSecret []byte
var isHttps bool

func Setup(_key string, _isHttps bool) {
	jwtSecret = []byte(_key)
	isHttps = _isHttps
}

// CreateToken mints a session token for accountID and returns both the
// raw token, which clients replay in the socket `join` event, and a
// cookie carrying it for the HTTP edge.
func CreateToken(rememberMe bool, accountID int64) (string, http.Cookie, error) {
	var tokenLifeTime time.Duration
	if rememberMe {
		tokenLifeTime = time.Hour * 24 * 7 * 4 // 4 weeks
	} else {
		tokenLifeTime = time.Hour * 24 // 1 day
	}

	currentTime := time.Now().UTC()
	expirationDate := currentTime.Add(tokenLifeTime)

	token := jwt.NewWithClaims(jwt.SigningMethodHS512, SessionToken{
		AccountID: accountID,
		Remember:  rememberMe,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(currentTime),
			ExpiresAt: jwt.NewNumericDate(expirationDate),
		},
	})

	tokenString, err := token.SignedString(jwtSecret)
	if err != nil {
		return "", http.Cookie{}, err
	}

	cookie := http.Cookie{
		Name:     "session",
		Value:    tokenString,
		Path:     "/",
		HttpOnly: true,
		Secure:   isHttps,
		SameSite: http.SameSiteLaxMode,
	}

	if rememberMe {
		cookie.Expires = expirationDate
	}

	return tokenString, cookie, nil
}

// ValidateSessionToken resolves a raw token to the account it was
// issued for. This is the entire authentication surface the core
// consumes; issuance mechanics live at the HTTP edge.
func ValidateSessionToken(tokenString string) (int64, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionToken{}, func(token *jwt.Token) (interface{}, error) {
		return jwtSecret, nil
	})
	if err != nil {
		return 0, err
	}

	claims, ok := token.Claims.(*SessionToken)
	if !ok {
		return 0, errors.New("invalid token")
	}

	if time.Now().UTC().After(claims.ExpiresAt.UTC()) {
		return 0, errors.New("token expired")
	}

	return claims.AccountID, nil
}
