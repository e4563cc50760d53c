package auth

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"IRIS-lending/internal/platform/apierr"
)

const (
	CtxUserIDKey = "user_id"
	CtxRoleKey   = "role"
)

const (
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

// RequireAuth: Authorization: Bearer <token> を検証して context に sub/role を詰める
func RequireAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if h == "" {
			apierr.Abort(c, unauthorized("missing Authorization header"))
			return
		}

		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			apierr.Abort(c, unauthorized("invalid Authorization header"))
			return
		}

		tokenStr := strings.TrimSpace(parts[1])
		if tokenStr == "" {
			apierr.Abort(c, unauthorized("empty token"))
			return
		}

		// alg 固定（none攻撃とか回避）
		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || token == nil || !token.Valid {
			apierr.Abort(c, unauthorized("invalid token"))
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			apierr.Abort(c, unauthorized("invalid claims"))
			return
		}

		sub, err := claims.GetSubject()
		if err != nil || sub == "" {
			apierr.Abort(c, unauthorized("missing sub"))
			return
		}

		role := ""
		if roleStr, ok := claims["role"].(string); ok {
			role = roleStr
		}

		c.Set(CtxUserIDKey, sub)
		c.Set(CtxRoleKey, role)
		c.Next()
	}
}

// RequireRole: 例) admin のみ許可したい時に追加
func RequireRole(roles ...string) gin.HandlerFunc {
	roleSet := make(map[string]struct{})
	for _, r := range roles {
		if r == "" {
			continue
		}
		roleSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		role := c.GetString(CtxRoleKey)
		if role == "" {
			apierr.Abort(c, apierr.New(apierr.CodeForbidden, "missing role"))
			return
		}
		if _, allowed := roleSet[role]; !allowed {
			apierr.Abort(c, apierr.New(apierr.CodeForbidden, "forbidden"))
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated subject, or "" outside RequireAuth.
func UserID(c *gin.Context) string {
	return c.GetString(CtxUserIDKey)
}

// Sign issues an HS256 token. Used by ops tooling and tests.
func Sign(secret []byte, sub, role string, claims jwt.MapClaims) (string, error) {
	mc := jwt.MapClaims{"sub": sub, "role": role}
	for k, v := range claims {
		mc[k] = v
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, mc).SignedString(secret)
}

func unauthorized(msg string) *apierr.APIError {
	return apierr.New(apierr.CodeUnauthorized, msg)
}
