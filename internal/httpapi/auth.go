package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/verseforge/creditcore/pkg/credit"
)

const principalContextKey = "principal"

// principal is the authenticated caller extracted from a bearer token.
type principal struct {
	UserID string
	Role   credit.Role
	Tier   credit.TierID
}

// sessionClaims is the service-token claim set: subject carries the user id,
// roles and tier are custom claims minted by the issuing service.
type sessionClaims struct {
	Roles []string `json:"roles"`
	Tier  string   `json:"tier"`
	jwt.RegisteredClaims
}

func (server *Server) authMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || token == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		parsed, err := server.parseToken(token)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid token"))
			return
		}
		ctx.Set(principalContextKey, parsed)
		ctx.Next()
	}
}

func (server *Server) parseToken(token string) (principal, error) {
	claims := &sessionClaims{}
	options := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if server.cfg.Issuer != "" {
		options = append(options, jwt.WithIssuer(server.cfg.Issuer))
	}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return server.cfg.SigningKey, nil
	}, options...)
	if err != nil {
		return principal{}, err
	}
	userID, err := credit.NormalizeUserID(claims.Subject)
	if err != nil {
		return principal{}, err
	}
	resolved := principal{UserID: userID, Role: credit.RoleUser, Tier: credit.TierID(claims.Tier)}
	for _, role := range claims.Roles {
		if credit.Role(role) == credit.RoleAdmin {
			resolved.Role = credit.RoleAdmin
		}
	}
	return resolved, nil
}

func adminOnly() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		caller, ok := currentPrincipal(ctx)
		if !ok || !caller.Role.Admin() {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "admin role required"))
			return
		}
		ctx.Next()
	}
}

func currentPrincipal(ctx *gin.Context) (principal, bool) {
	value, ok := ctx.Get(principalContextKey)
	if !ok {
		return principal{}, false
	}
	caller, ok := value.(principal)
	return caller, ok
}
