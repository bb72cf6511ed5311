// Package handler implements the control surface: login, reload, the
// website root, and the admin API mutating the configuration.
package handler

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/vestibule-io/vestibule/internal/auth"
	"github.com/vestibule-io/vestibule/internal/config"
)

// Handler serves every request whose host does not resolve to a
// service.
type Handler struct {
	configPath string
	sessions   *auth.Manager
	reload     func()

	mu  sync.Mutex
	cfg *config.Config
}

// New builds the control surface. reload is invoked on GET /reload.
func New(configPath string, cfg *config.Config, sessions *auth.Manager, reload func()) *Handler {
	return &Handler{
		configPath: configPath,
		sessions:   sessions,
		reload:     reload,
		cfg:        cfg,
	}
}

// Router assembles the gin engine for the control surface.
func (h *Handler) Router() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), gzip.Gzip(gzip.DefaultCompression))

	engine.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte("Hello world from main server !"))
	})
	engine.POST("/auth/local", h.localAuth)
	engine.GET("/reload", func(c *gin.Context) {
		h.reload()
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte("Apps reloaded !"))
	})

	admin := engine.Group("/api/admin", h.adminOnly)
	admin.GET("/users", h.getUsers)
	admin.POST("/users", h.addUser)
	admin.DELETE("/users/:login", h.deleteUser)
	admin.GET("/apps", h.getApps)
	admin.POST("/apps", h.addApp)
	admin.DELETE("/apps/:id", h.deleteApp)
	admin.GET("/davs", h.getDavs)
	admin.POST("/davs", h.addDav)
	admin.DELETE("/davs/:id", h.deleteDav)

	return engine
}

// adminOnly gates the admin API on the ADMINS role.
func (h *Handler) adminOnly(c *gin.Context) {
	principal, err := h.sessions.Principal(c.Request)
	if err != nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	if !auth.IsAdmin(principal) {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}
	c.Next()
}

type localAuthPayload struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

func (h *Handler) localAuth(c *gin.Context) {
	var payload localAuthPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	var user *config.User
	for i := range h.cfg.Users {
		if h.cfg.Users[i].Login == payload.Login {
			user = &h.cfg.Users[i]
			break
		}
	}
	h.mu.Unlock()
	if user == nil {
		c.Status(http.StatusUnauthorized)
		return
	}

	match, err := auth.CheckPassword(payload.Password, user.Password)
	if err != nil {
		log.Error().Err(err).Str("login", payload.Login).Msg("stored password hash is malformed")
		c.Status(http.StatusInternalServerError)
		return
	}
	if !match {
		c.Status(http.StatusUnauthorized)
		return
	}

	cookie, err := h.sessions.Cookie(auth.Principal{Login: user.Login, Roles: user.Roles})
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	http.SetCookie(c.Writer, cookie)
	c.Status(http.StatusOK)
}

func (h *Handler) getUsers(c *gin.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.JSON(http.StatusOK, h.cfg.Users)
}

func (h *Handler) addUser(c *gin.Context) {
	var payload config.User
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.String(http.StatusBadRequest, "invalid user payload")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var existing *config.User
	for i := range h.cfg.Users {
		if h.cfg.Users[i].Login == payload.Login {
			existing = &h.cfg.Users[i]
			break
		}
	}
	if existing != nil {
		// An empty password on update keeps the previous hash.
		if payload.Password != "" {
			hash, err := auth.HashPassword(payload.Password)
			if err != nil {
				c.String(http.StatusInternalServerError, "password hash failed")
				return
			}
			payload.Password = hash
		} else {
			payload.Password = existing.Password
		}
		*existing = payload
	} else {
		if payload.Password == "" {
			c.String(http.StatusNotAcceptable, "password is required")
			return
		}
		hash, err := auth.HashPassword(payload.Password)
		if err != nil {
			c.String(http.StatusInternalServerError, "password hash failed")
			return
		}
		payload.Password = hash
		h.cfg.Users = append(h.cfg.Users, payload)
	}

	if !h.persist(c) {
		return
	}
	c.String(http.StatusCreated, "user created or updated successfully")
}

func (h *Handler) deleteUser(c *gin.Context) {
	login := c.Param("login")

	h.mu.Lock()
	defer h.mu.Unlock()

	pos := -1
	for i := range h.cfg.Users {
		if h.cfg.Users[i].Login == login {
			pos = i
			break
		}
	}
	if pos < 0 {
		c.String(http.StatusBadRequest, "user doesn't exist")
		return
	}
	h.cfg.Users = append(h.cfg.Users[:pos], h.cfg.Users[pos+1:]...)

	if !h.persist(c) {
		return
	}
	c.String(http.StatusOK, "user deleted successfully")
}

func (h *Handler) getApps(c *gin.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.JSON(http.StatusOK, h.cfg.Apps)
}

func (h *Handler) addApp(c *gin.Context) {
	var payload config.App
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.String(http.StatusBadRequest, "invalid app payload")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	replaced := false
	for i := range h.cfg.Apps {
		if h.cfg.Apps[i].ID == payload.ID {
			h.cfg.Apps[i] = payload
			replaced = true
			break
		}
	}
	if !replaced {
		h.cfg.Apps = append(h.cfg.Apps, payload)
	}

	if !h.persist(c) {
		return
	}
	c.String(http.StatusCreated, "app created or updated successfully")
}

func (h *Handler) deleteApp(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.String(http.StatusBadRequest, "invalid app id")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	pos := -1
	for i := range h.cfg.Apps {
		if h.cfg.Apps[i].ID == id {
			pos = i
			break
		}
	}
	if pos < 0 {
		c.String(http.StatusBadRequest, "app doesn't exist")
		return
	}
	h.cfg.Apps = append(h.cfg.Apps[:pos], h.cfg.Apps[pos+1:]...)

	if !h.persist(c) {
		return
	}
	c.String(http.StatusOK, "app deleted successfully")
}

func (h *Handler) getDavs(c *gin.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.JSON(http.StatusOK, h.cfg.Davs)
}

func (h *Handler) addDav(c *gin.Context) {
	var payload config.Dav
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.String(http.StatusBadRequest, "invalid dav payload")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	replaced := false
	for i := range h.cfg.Davs {
		if h.cfg.Davs[i].ID == payload.ID {
			h.cfg.Davs[i] = payload
			replaced = true
			break
		}
	}
	if !replaced {
		h.cfg.Davs = append(h.cfg.Davs, payload)
	}

	if !h.persist(c) {
		return
	}
	c.String(http.StatusCreated, "dav created or updated successfully")
}

func (h *Handler) deleteDav(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.String(http.StatusBadRequest, "invalid dav id")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	pos := -1
	for i := range h.cfg.Davs {
		if h.cfg.Davs[i].ID == id {
			pos = i
			break
		}
	}
	if pos < 0 {
		c.String(http.StatusBadRequest, "dav doesn't exist")
		return
	}
	h.cfg.Davs = append(h.cfg.Davs[:pos], h.cfg.Davs[pos+1:]...)

	if !h.persist(c) {
		return
	}
	c.String(http.StatusOK, "dav deleted successfully")
}

// persist writes the whole configuration atomically. Callers hold the
// mutation lock.
func (h *Handler) persist(c *gin.Context) bool {
	if err := h.cfg.ToFile(h.configPath); err != nil {
		log.Error().Err(err).Str("path", h.configPath).Msg("could not persist configuration")
		c.String(http.StatusInternalServerError, "could not save configuration")
		return false
	}
	return true
}
