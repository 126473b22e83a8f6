/*
Copyright 2025 Creek Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package web implements the HTTP surface: the SQS-compatible wire
// endpoint, the management plane and the session store backing it.
package web

import (
	"log/slog"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"

	"github.com/creekmq/creek"
	"github.com/creekmq/creek/lib/auth"
	"github.com/creekmq/creek/lib/defaults"
	"github.com/creekmq/creek/lib/httplib"
	"github.com/creekmq/creek/lib/queue"
	"github.com/creekmq/creek/lib/services"
)

// Config holds the handler dependencies.
type Config struct {
	Identity   *services.Identity
	Engine     *queue.Engine
	Authorizer *auth.Authorizer
	Sessions   *Sessions
	Clock      clockwork.Clock
	Logger     *slog.Logger
	// Host is the external URL root used to build queue URLs.
	Host string
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Identity == nil {
		return trace.BadParameter("missing Identity")
	}
	if c.Engine == nil {
		return trace.BadParameter("missing Engine")
	}
	if c.Authorizer == nil {
		return trace.BadParameter("missing Authorizer")
	}
	if c.Sessions == nil {
		return trace.BadParameter("missing Sessions")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Host == "" {
		c.Host = defaults.Host
	}
	c.Logger = c.Logger.With(creek.ComponentKey, creek.ComponentWeb)
	return nil
}

// Handler is the broker's HTTP handler.
type Handler struct {
	httprouter.Router
	cfg    Config
	logger *slog.Logger
}

// NewHandler builds the routing table.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{cfg: cfg, logger: cfg.Logger}

	// SQS plane. The dispatcher authenticates the request itself so the
	// SigV4 verifier observes the raw body and path.
	h.POST("/sqs", httplib.MakeHandler(h.handleSQS))

	// Session lifecycle.
	h.POST("/auth/login", httplib.MakeHandler(h.handleLogin))
	h.POST("/auth/logout", h.withSession(h.handleLogout))
	h.GET("/auth/session", h.withSession(h.handleWhoAmI))

	// Namespaces.
	h.GET("/ns", h.withSession(h.handleListNamespaces))
	h.POST("/ns", h.withSession(h.handleCreateNamespace))
	h.DELETE("/ns/:name", h.withSession(h.handleDeleteNamespace))

	// Queues.
	h.GET("/queue/:namespace", h.withSession(h.handleListQueues))
	h.POST("/queue/:namespace", h.withSession(h.handleCreateQueue))
	h.DELETE("/queue/:namespace/:name", h.withSession(h.handleDeleteQueue))
	h.GET("/queue/:namespace/:name/attributes", h.withSession(h.handleGetQueueAttributes))
	h.PUT("/queue/:namespace/:name/attributes", h.withSession(h.handleSetQueueAttributes))

	// Statistics.
	h.GET("/stats", h.withSession(h.handleGlobalStats))
	h.GET("/stats/ns", h.withSession(h.handleNamespaceStats))

	// API tokens.
	h.GET("/tokens", h.withSession(h.handleListTokens))
	h.POST("/tokens", h.withSession(h.handleIssueToken))
	h.DELETE("/tokens/:key_id", h.withSession(h.handleDeleteToken))

	// Admin plane.
	h.GET("/admin/users", h.withAdmin(h.handleListUsers))
	h.POST("/admin/users", h.withAdmin(h.handleCreateUser))
	h.DELETE("/admin/users/:email", h.withAdmin(h.handleDeleteUser))
	h.PUT("/admin/users/:email/role", h.withAdmin(h.handleUpdateRole))
	h.GET("/admin/users/:email/permissions", h.withAdmin(h.handleListPermissions))
	h.POST("/admin/users/:email/permissions", h.withAdmin(h.handleGrantPermission))
	h.DELETE("/admin/users/:email/permissions/:namespace", h.withAdmin(h.handleRevokePermission))
	h.POST("/admin/users/:email/rotate", h.withAdmin(h.handleRotateKey))

	return h, nil
}

// sessionContext carries the authenticated account through a
// session-scoped handler.
type sessionContext struct {
	user    *services.User
	session *Session
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, p httprouter.Params, sctx *sessionContext) (interface{}, error)

// withSession authenticates the request by its session cookie.
func (h *Handler) withSession(fn sessionHandler) httprouter.Handle {
	return httplib.MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
		sctx, err := h.authenticateSession(r)
		if err != nil {
			return nil, trace.AccessDenied("access denied")
		}
		return fn(w, r, p, sctx)
	})
}

// withAdmin additionally requires the admin role.
func (h *Handler) withAdmin(fn sessionHandler) httprouter.Handle {
	return h.withSession(func(w http.ResponseWriter, r *http.Request, p httprouter.Params, sctx *sessionContext) (interface{}, error) {
		if sctx.user.Role != creek.RoleAdmin {
			return nil, trace.AccessDenied("access denied")
		}
		return fn(w, r, p, sctx)
	})
}

func (h *Handler) authenticateSession(r *http.Request) (*sessionContext, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	decoded, err := DecodeCookie(cookie.Value)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	session, err := h.cfg.Sessions.Get(r.Context(), decoded.SID, decoded.Key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	user, err := h.cfg.Identity.GetUser(r.Context(), session.Email)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &sessionContext{user: user, session: session}, nil
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var req loginRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	user, err := h.cfg.Identity.VerifyPassword(r.Context(), req.Email, req.Password)
	if err != nil {
		return nil, trace.AccessDenied("access denied")
	}
	session, err := h.cfg.Sessions.Create(r.Context(), user.Email)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := SetSessionCookie(w, session.ID, session.Key); err != nil {
		return nil, trace.Wrap(err)
	}
	h.logger.InfoContext(r.Context(), "User logged in.", "email", user.Email)
	return user, nil
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request, _ httprouter.Params, sctx *sessionContext) (interface{}, error) {
	if err := h.cfg.Sessions.Delete(r.Context(), sctx.session.ID); err != nil {
		return nil, trace.Wrap(err)
	}
	ClearSessionCookie(w)
	return struct{}{}, nil
}

func (h *Handler) handleWhoAmI(_ http.ResponseWriter, _ *http.Request, _ httprouter.Params, sctx *sessionContext) (interface{}, error) {
	return sctx.user, nil
}

type createNamespaceRequest struct {
	Name string `json:"name"`
}

func (h *Handler) handleListNamespaces(_ http.ResponseWriter, r *http.Request, _ httprouter.Params, sctx *sessionContext) (interface{}, error) {
	namespaces, err := h.cfg.Identity.ListNamespaces(r.Context(), sctx.user)
	return namespaces, trace.Wrap(err)
}

func (h *Handler) handleCreateNamespace(_ http.ResponseWriter, r *http.Request, _ httprouter.Params, sctx *sessionContext) (interface{}, error) {
	var req createNamespaceRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	ns, err := h.cfg.Identity.CreateNamespace(r.Context(), req.Name, sctx.user.Email)
	return ns, trace.Wrap(err)
}

func (h *Handler) handleDeleteNamespace(_ http.ResponseWriter, r *http.Request, p httprouter.Params, sctx *sessionContext) (interface{}, error) {
	if sctx.user.Role == creek.RoleAdmin {
		// Admins hold every permission implicitly; materialize the grant
		// so the deletion's ownership check passes. The row cascades away
		// with the namespace.
		if err := h.cfg.Identity.GrantPermission(r.Context(), sctx.user.Email, p.ByName("name"), true); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if err := h.cfg.Identity.DeleteNamespace(r.Context(), p.ByName("name"), sctx.user.Email); err != nil {
		return nil, trace.Wrap(err)
	}
	return struct{}{}, nil
}

type createQueueRequest struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// authorizeNamespace checks the session user against the target
// namespace and returns it as the engine's authorized namespace.
func (h *Handler) authorizeNamespace(r *http.Request, sctx *sessionContext, namespace string) (string, error) {
	if err := h.cfg.Identity.HasPermission(r.Context(), sctx.user, namespace); err != nil {
		return "", trace.AccessDenied("access denied")
	}
	return namespace, nil
}

func (h *Handler) handleListQueues(_ http.ResponseWriter, r *http.Request, p httprouter.Params, sctx *sessionContext) (interface{}, error) {
	namespace, err := h.authorizeNamespace(r, sctx, p.ByName("namespace"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	queues, err := h.cfg.Engine.ListQueues(r.Context(), namespace, namespace, r.URL.Query().Get("prefix"))
	return queues, trace.Wrap(err)
}

func (h *Handler) handleCreateQueue(_ http.ResponseWriter, r *http.Request, p httprouter.Params, sctx *sessionContext) (interface{}, error) {
	var req createQueueRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	namespace, err := h.authorizeNamespace(r, sctx, p.ByName("namespace"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	q, err := h.cfg.Engine.CreateQueue(r.Context(), namespace, sctx.user, namespace, req.Name, req.Attributes, req.Tags)
	return q, trace.Wrap(err)
}

func (h *Handler) handleDeleteQueue(_ http.ResponseWriter, r *http.Request, p httprouter.Params, sctx *sessionContext) (interface{}, error) {
	namespace, err := h.authorizeNamespace(r, sctx, p.ByName("namespace"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Engine.DeleteQueue(r.Context(), namespace, sctx.user, namespace, p.ByName("name")); err != nil {
		return nil, trace.Wrap(err)
	}
	return struct{}{}, nil
}

func (h *Handler) handleGetQueueAttributes(_ http.ResponseWriter, r *http.Request, p httprouter.Params, sctx *sessionContext) (interface{}, error) {
	namespace, err := h.authorizeNamespace(r, sctx, p.ByName("namespace"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	attrs, err := h.cfg.Engine.GetAttributes(r.Context(), namespace, namespace, p.ByName("name"))
	return attrs, trace.Wrap(err)
}

func (h *Handler) handleSetQueueAttributes(_ http.ResponseWriter, r *http.Request, p httprouter.Params, sctx *sessionContext) (interface{}, error) {
	var attrs map[string]string
	if err := httplib.ReadJSON(r, &attrs); err != nil {
		return nil, trace.Wrap(err)
	}
	namespace, err := h.authorizeNamespace(r, sctx, p.ByName("namespace"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Engine.SetAttributes(r.Context(), namespace, namespace, p.ByName("name"), attrs); err != nil {
		return nil, trace.Wrap(err)
	}
	return struct{}{}, nil
}

func (h *Handler) handleGlobalStats(_ http.ResponseWriter, r *http.Request, _ httprouter.Params, sctx *sessionContext) (interface{}, error) {
	stats, err := h.cfg.Engine.GlobalStats(r.Context(), sctx.user)
	return stats, trace.Wrap(err)
}

func (h *Handler) handleNamespaceStats(_ http.ResponseWriter, r *http.Request, _ httprouter.Params, sctx *sessionContext) (interface{}, error) {
	stats, err := h.cfg.Engine.NamespaceStatsAll(r.Context(), sctx.user)
	return stats, trace.Wrap(err)
}

type issueTokenRequest struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

func (h *Handler) handleListTokens(_ http.ResponseWriter, r *http.Request, _ httprouter.Params, sctx *sessionContext) (interface{}, error) {
	keys, err := h.cfg.Identity.ListAPIKeys(r.Context(), sctx.user.Email)
	return keys, trace.Wrap(err)
}

func (h *Handler) handleIssueToken(_ http.ResponseWriter, r *http.Request, _ httprouter.Params, sctx *sessionContext) (interface{}, error) {
	var req issueTokenRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	issued, err := h.cfg.Identity.IssueAPIKey(r.Context(), sctx.user.Email, req.Namespace, req.Name)
	return issued, trace.Wrap(err)
}

func (h *Handler) handleDeleteToken(_ http.ResponseWriter, r *http.Request, p httprouter.Params, sctx *sessionContext) (interface{}, error) {
	if err := h.cfg.Identity.DeleteAPIKey(r.Context(), sctx.user, p.ByName("key_id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return struct{}{}, nil
}

type createUserRequest struct {
	Email      string   `json:"email"`
	Password   string   `json:"password"`
	Role       string   `json:"role"`
	Namespaces []string `json:"namespaces,omitempty"`
}

func (h *Handler) handleListUsers(_ http.ResponseWriter, r *http.Request, _ httprouter.Params, _ *sessionContext) (interface{}, error) {
	users, err := h.cfg.Identity.ListUsers(r.Context())
	return users, trace.Wrap(err)
}

func (h *Handler) handleCreateUser(_ http.ResponseWriter, r *http.Request, _ httprouter.Params, _ *sessionContext) (interface{}, error) {
	var req createUserRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	user, err := h.cfg.Identity.CreateUser(r.Context(), req.Email, req.Password, creek.Role(req.Role), req.Namespaces)
	return user, trace.Wrap(err)
}

func (h *Handler) handleDeleteUser(_ http.ResponseWriter, r *http.Request, p httprouter.Params, sctx *sessionContext) (interface{}, error) {
	if p.ByName("email") == sctx.user.Email {
		return nil, trace.BadParameter("cannot delete own account")
	}
	if err := h.cfg.Identity.DeleteUser(r.Context(), p.ByName("email")); err != nil {
		return nil, trace.Wrap(err)
	}
	return struct{}{}, nil
}

type updateRoleRequest struct {
	Role string `json:"role"`
}

func (h *Handler) handleUpdateRole(_ http.ResponseWriter, r *http.Request, p httprouter.Params, _ *sessionContext) (interface{}, error) {
	var req updateRoleRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Identity.UpdateRole(r.Context(), p.ByName("email"), creek.Role(req.Role)); err != nil {
		return nil, trace.Wrap(err)
	}
	return struct{}{}, nil
}

type grantPermissionRequest struct {
	Namespace   string `json:"namespace"`
	CanDeleteNS bool   `json:"can_delete_ns"`
}

func (h *Handler) handleListPermissions(_ http.ResponseWriter, r *http.Request, p httprouter.Params, _ *sessionContext) (interface{}, error) {
	permissions, err := h.cfg.Identity.ListPermissions(r.Context(), p.ByName("email"))
	return permissions, trace.Wrap(err)
}

func (h *Handler) handleGrantPermission(_ http.ResponseWriter, r *http.Request, p httprouter.Params, _ *sessionContext) (interface{}, error) {
	var req grantPermissionRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Identity.GrantPermission(r.Context(), p.ByName("email"), req.Namespace, req.CanDeleteNS); err != nil {
		return nil, trace.Wrap(err)
	}
	return struct{}{}, nil
}

func (h *Handler) handleRevokePermission(_ http.ResponseWriter, r *http.Request, p httprouter.Params, _ *sessionContext) (interface{}, error) {
	if err := h.cfg.Identity.RevokePermission(r.Context(), p.ByName("email"), p.ByName("namespace")); err != nil {
		return nil, trace.Wrap(err)
	}
	return struct{}{}, nil
}

func (h *Handler) handleRotateKey(_ http.ResponseWriter, r *http.Request, p httprouter.Params, _ *sessionContext) (interface{}, error) {
	if err := h.cfg.Identity.RotateUserKey(r.Context(), p.ByName("email")); err != nil {
		return nil, trace.Wrap(err)
	}
	return struct{}{}, nil
}
