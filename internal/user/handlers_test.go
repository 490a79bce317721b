package user

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T, svc *Service) *gin.Engine {
	t.Helper()
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Actor-ID"); id != "" {
			c.Set("actorID", id)
		}
		c.Next()
	})

	h := NewHandler(svc)
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterAdminRoutes(v1.Group("/admin"))
	return r
}

func get(r *gin.Engine, path, actor string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if actor != "" {
		req.Header.Set("X-Actor-ID", actor)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMe(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.Touch(context.Background(), "alice", "Alice N.")
	require.NoError(t, err)
	r := setupRouter(t, svc)

	w := get(r, "/v1/me", "alice")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		User User `json:"user"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "alice", resp.User.ID)
	assert.Equal(t, "Alice N.", resp.User.DisplayName)
}

func TestGetUser(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.Touch(context.Background(), "bob", "")
	require.NoError(t, err)
	r := setupRouter(t, svc)

	w := get(r, "/v1/users/bob", "alice")
	assert.Equal(t, http.StatusOK, w.Code)

	w = get(r, "/v1/users/ghost", "alice")
	assert.Equal(t, http.StatusNotFound, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "not_found", resp["error"])
}

func TestListUsers(t *testing.T) {
	svc, now := newTestService()
	for _, id := range []string{"alice", "bob", "carol"} {
		_, err := svc.Touch(context.Background(), id, "")
		require.NoError(t, err)
		*now = now.Add(time.Minute)
	}
	r := setupRouter(t, svc)

	w := get(r, "/v1/admin/users?limit=2", "admin")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Users []User `json:"users"`
		Count int    `json:"count"`
		Total int    `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, 3, resp.Total)
	assert.Equal(t, "carol", resp.Users[0].ID, "most recently seen first")
}
