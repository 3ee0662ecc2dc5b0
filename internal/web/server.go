// Package web serves the administrative HTTP interface: account creation,
// account and binding listings and the Prometheus metrics endpoint.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"mime"
	"net/http"
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"sip-registrar/internal/auth"
	"sip-registrar/internal/registry"
	"sip-registrar/internal/storage"
)

//go:embed templates/*.html
var templateFS embed.FS

// usernamePattern restricts usernames to what fits a SIP URI user part
// without escaping.
var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._~+-]{1,64}$`)

// Store is the account storage used by the admin interface.
type Store interface {
	AddUser(ctx context.Context, user *storage.User) error
	GetAllUsers(ctx context.Context) ([]*storage.User, error)
	GetBindings(ctx context.Context, username string) ([]registry.Binding, error)
}

// Forgetter is notified when an account is created so that negative
// lookups cached for the username are dropped.
type Forgetter interface {
	Forget(username string)
}

// Server holds the dependencies for the web server.
type Server struct {
	storage   Store
	forgetter Forgetter
	gatherer  prometheus.Gatherer
	templates *template.Template
	realm     string
	log       logrus.FieldLogger
}

// NewServer creates a new web server instance.
func NewServer(s Store, realm string, f Forgetter, g prometheus.Gatherer, log logrus.FieldLogger) (*Server, error) {
	templates, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	log.WithField("count", len(templates.Templates())).Debug("Parsed templates")
	return &Server{
		storage:   s,
		forgetter: f,
		gatherer:  g,
		templates: templates,
		realm:     realm,
		log:       log,
	}, nil
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /users", s.handleUsersList)
	mux.HandleFunc("POST /users", s.handleUsersCreate)
	mux.HandleFunc("GET /users/new", s.handleUsersNewForm)
	mux.HandleFunc("GET /users/{name}/bindings", s.handleBindings)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("web server shutdown: %w", err)
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/users", http.StatusFound)
}

// userView is the public form of an account.
type userView struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

func (s *Server) handleUsersList(w http.ResponseWriter, r *http.Request) {
	users, err := s.storage.GetAllUsers(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Error getting users")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	views := make([]userView, 0, len(users))
	for _, u := range users {
		views = append(views, userView{Username: u.Username, Email: u.Email})
	}

	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, views)
		return
	}
	s.render(w, "users.html", views)
}

func (s *Server) handleUsersNewForm(w http.ResponseWriter, r *http.Request) {
	s.render(w, "users_new.html", nil)
}

type createUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleUsersCreate(w http.ResponseWriter, r *http.Request) {
	isJSON := isJSONRequest(r)
	var req createUserRequest
	if isJSON {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		req = createUserRequest{
			Username: r.FormValue("username"),
			Email:    r.FormValue("email"),
			Password: r.FormValue("password"),
		}
	}

	if req.Username == "" || req.Password == "" {
		http.Error(w, "Username and password are required", http.StatusBadRequest)
		return
	}
	if !usernamePattern.MatchString(req.Username) {
		http.Error(w, "Username may only contain letters, digits and ._~+-", http.StatusBadRequest)
		return
	}

	user := &storage.User{
		Username: req.Username,
		Email:    req.Email,
		// H(A1) = MD5(username:realm:password) is stored instead of the password.
		Password: auth.HA1(req.Username, s.realm, req.Password),
	}
	if err := s.storage.AddUser(r.Context(), user); err != nil {
		s.log.WithError(err).WithField("user", req.Username).Error("Error adding user")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if s.forgetter != nil {
		s.forgetter.Forget(user.Username)
	}
	s.log.WithField("user", user.Username).Info("User created")

	if isJSON {
		writeJSON(w, http.StatusCreated, userView{Username: user.Username, Email: user.Email})
		return
	}
	http.Redirect(w, r, "/users", http.StatusFound)
}

func (s *Server) handleBindings(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	bindings, err := s.storage.GetBindings(r.Context(), name)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.WithError(err).WithField("user", name).Error("Error getting bindings")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if bindings == nil {
		bindings = []registry.Binding{}
	}
	writeJSON(w, http.StatusOK, bindings)
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.ExecuteTemplate(w, name, data); err != nil {
		s.log.WithError(err).Error("Error executing template")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func isJSONRequest(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

func wantsJSON(r *http.Request) bool {
	if r.URL.Query().Get("format") == "json" {
		return true
	}
	mt, _, err := mime.ParseMediaType(r.Header.Get("Accept"))
	return err == nil && mt == "application/json"
}
