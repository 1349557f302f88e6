package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/rights"
)

const callerKey = "caller"

// buildCallers maps bearer tokens to callers.
func buildCallers(users []config.UserConfig) (map[string]rights.Caller, error) {
	out := make(map[string]rights.Caller, len(users))
	for _, u := range users {
		if _, dup := out[u.Token]; dup {
			return nil, fmt.Errorf("user %q reuses another user's token", u.Name)
		}
		caller := rights.Caller{Name: u.Name, Rights: rights.All}
		if !u.Admin {
			set, err := rights.Parse(u.Rights)
			if err != nil {
				return nil, fmt.Errorf("user %q: %w", u.Name, err)
			}
			caller.Rights = set
		}
		out[u.Token] = caller
	}
	return out, nil
}

// authenticate resolves the bearer token to a caller or rejects the request.
func authenticate(callers map[string]rights.Caller) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		caller, known := callers[strings.TrimSpace(token)]
		if !ok || !known {
			c.Header("WWW-Authenticate", `Bearer realm="roundhouse"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or unknown bearer token"})
			return
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

func callerOf(c *gin.Context) rights.Caller {
	return c.MustGet(callerKey).(rights.Caller)
}

// require aborts with 403 unless the caller holds the right.
func require(c *gin.Context, t rights.Type, r rights.Right) bool {
	need := rights.Requirement{Type: t, Right: r}
	caller := callerOf(c)
	if need.Satisfied(caller.Rights) {
		return true
	}
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": fmt.Sprintf("%s needs %s", caller.Name, need)})
	return false
}
