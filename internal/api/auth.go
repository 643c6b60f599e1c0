package api

import (
	"crypto/sha512"
	"encoding/hex"
	"net/url"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// authClaims 私有接口的 JWT 负载，带参数的请求需要附带 query 的 SHA512 摘要
type authClaims struct {
	AccessKey    string `json:"access_key"`
	Nonce        string `json:"nonce"`
	QueryHash    string `json:"query_hash,omitempty"`
	QueryHashAlg string `json:"query_hash_alg,omitempty"`
	jwt.RegisteredClaims
}

func (c *Client) token(params url.Values) (string, error) {
	if c.cfg.AccessKey == "" || c.cfg.SecretKey == "" {
		return "", ErrNoCredentials
	}
	claims := authClaims{
		AccessKey: c.cfg.AccessKey,
		Nonce:     uuid.NewString(),
	}
	if len(params) > 0 {
		claims.QueryHash = queryHash(params)
		claims.QueryHashAlg = "SHA512"
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.cfg.SecretKey))
}

// queryHash 对未转义的 query 串做 SHA512
func queryHash(params url.Values) string {
	raw := params.Encode()
	if unescaped, err := url.QueryUnescape(raw); err == nil {
		raw = unescaped
	}
	sum := sha512.Sum512([]byte(raw))
	return hex.EncodeToString(sum[:])
}
