package http

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"strings"

	"ehr-chatbot/internal/logging"
	"ehr-chatbot/internal/service"
	"ehr-chatbot/pkg"
)

//go:embed templates/*.html
var templateFS embed.FS

func parseTemplates() (*template.Template, error) {
	return template.ParseFS(templateFS, "templates/*.html")
}

type indexPage struct {
	Title string
	Error string
}

type userPage struct {
	Title      string
	UserID     int64
	Overview   *pkg.UserOverview
	Conditions []pkg.Condition
	Sessions   []pkg.Session
	Error      string
}

type sessionPage struct {
	Title    string
	Session  *pkg.Session
	Messages []pkg.Message
	Error    string
}

// render executes into a buffer first so a template error never leaves a
// half-written page.
func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		s.log.Error("template failed", logging.Fields{"request_id": requestID(r.Context()), "template": name, "error": err.Error()})
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "index.html", indexPage{Title: s.appName})
}

func (s *Server) handleFindUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(strings.TrimSpace(r.URL.Query().Get("user_id")), 10, 64)
	if err != nil || id <= 0 {
		s.render(w, r, http.StatusBadRequest, "index.html", indexPage{Title: s.appName, Error: "شناسه کاربری نامعتبر است."})
		return
	}
	http.Redirect(w, r, "/ui/users/"+strconv.FormatInt(id, 10), http.StatusSeeOther)
}

// handleUserPage shows a user's conditions and sessions.  Unknown users get
// an empty page so they can start their first conversation.
func (s *Server) handleUserPage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	s.renderUserPage(w, r, http.StatusOK, id, "")
}

func (s *Server) renderUserPage(w http.ResponseWriter, r *http.Request, status int, userID int64, msg string) {
	page := userPage{Title: "بیماری‌های شما", UserID: userID, Error: msg}
	ov, err := s.svc.UserOverview(r.Context(), userID)
	switch {
	case err == nil:
		page.Overview = ov
		page.Conditions = ov.Conditions
		page.Sessions = ov.Sessions
	case errors.Is(err, service.ErrNotFound):
	default:
		s.respondUIError(w, r, err)
		return
	}
	s.render(w, r, status, "user.html", page)
}

func (s *Server) handleUIStartSession(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if err := r.ParseForm(); err != nil {
		s.renderUserPage(w, r, http.StatusBadRequest, userID, "فرم نامعتبر است.")
		return
	}
	var data map[string]any
	if raw := strings.TrimSpace(r.PostFormValue("patient_data")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			s.renderUserPage(w, r, http.StatusBadRequest, userID, "اطلاعات بیمار باید یک شیء JSON معتبر باشد.")
			return
		}
	}
	res, err := s.svc.StartSession(r.Context(), service.StartSessionInput{
		UserID:          userID,
		UserName:        strings.TrimSpace(r.PostFormValue("user_name")),
		ConditionName:   strings.TrimSpace(r.PostFormValue("condition_name")),
		PatientData:     data,
		GenerateInitial: true,
	})
	if errors.Is(err, service.ErrInvalidInput) {
		s.renderUserPage(w, r, http.StatusBadRequest, userID, "نام بیماری الزامی است.")
		return
	}
	if err != nil {
		s.respondUIError(w, r, err)
		return
	}
	http.Redirect(w, r, "/ui/sessions/"+strconv.FormatInt(res.Session.ID, 10), http.StatusSeeOther)
}

func (s *Server) handleSessionPage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	s.renderSessionPage(w, r, http.StatusOK, id, "")
}

func (s *Server) renderSessionPage(w http.ResponseWriter, r *http.Request, status int, id int64, msg string) {
	sess, msgs, err := s.svc.Messages(r.Context(), id)
	if err != nil {
		s.respondUIError(w, r, err)
		return
	}
	s.render(w, r, status, "session.html", sessionPage{
		Title:    sess.Title,
		Session:  sess,
		Messages: visibleMessages(msgs),
		Error:    msg,
	})
}

func (s *Server) handleUIPostMessage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if err := r.ParseForm(); err != nil {
		s.renderSessionPage(w, r, http.StatusBadRequest, id, "فرم نامعتبر است.")
		return
	}
	_, _, err = s.svc.SendMessage(r.Context(), id, r.PostFormValue("content"))
	if errors.Is(err, service.ErrInvalidInput) {
		s.renderSessionPage(w, r, http.StatusBadRequest, id, "متن سوال خالی است.")
		return
	}
	if err != nil {
		s.respondUIError(w, r, err)
		return
	}
	http.Redirect(w, r, "/ui/sessions/"+strconv.FormatInt(id, 10), http.StatusSeeOther)
}

func (s *Server) respondUIError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, service.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	s.log.Error("ui request failed", logging.Fields{"request_id": requestID(r.Context()), "path": r.URL.Path, "error": err.Error()})
	http.Error(w, "خطا در ارتباط با سرویس. لطفاً دوباره تلاش کنید.", http.StatusInternalServerError)
}

// visibleMessages drops system messages, which hold prompt context rather
// than conversation.
func visibleMessages(msgs []pkg.Message) []pkg.Message {
	out := make([]pkg.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != pkg.RoleSystem {
			out = append(out, m)
		}
	}
	return out
}
