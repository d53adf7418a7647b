package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const defaultPrivacyPage = `<!DOCTYPE html>
<html lang="fr">
<head><meta charset="utf-8"><title>Politique de confidentialité</title></head>
<body>
<h1>Politique de confidentialité</h1>
<p>Les messages que tu envoies servent uniquement à te répondre. Nous conservons ton prénom,
ton âge, ta ville et tes centres d’intérêt si tu les partages, afin de personnaliser la
conversation. Aucune donnée n’est revendue.</p>
<p>Pour effacer ta conversation, envoie #reset. Pour toute demande de suppression
complète, contacte l’éditeur de la page.</p>
</body>
</html>
`

// SessionView is the admin representation of a session.
type SessionView struct {
	models.Session
	State       models.SessionState `json:"state"`
	IdleSeconds int64               `json:"idle_seconds"`
}

func (s *Server) sessionView(sess models.Session) SessionView {
	return SessionView{
		Session:     sess,
		State:       sess.State(s.conv.Settings().FailureThreshold),
		IdleSeconds: int64(sess.IdleFor(time.Now()) / time.Second),
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) privacyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.privacy)
}

func (s *Server) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.sessions.Snapshot()
	views := make([]SessionView, 0, len(snap))
	for _, sess := range snap {
		views = append(views, s.sessionView(sess))
	}
	slog.Debug("Server.listSessionsHandler: sessions listed", "count", len(views))
	writeJSONResponse(w, http.StatusOK, models.Success(views))
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	sess, ok := s.sessions.Get(userID)
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.sessionView(sess)))
}

func (s *Server) resetSessionHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if _, ok := s.sessions.Get(userID); !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}
	sess := s.conv.ResetSession(r.Context(), userID)
	slog.Info("Server.resetSessionHandler: session reset by admin", "userID", userID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session reset", s.sessionView(sess)))
}

func (s *Server) listProfilesHandler(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.st.ListProfiles()
	if err != nil {
		slog.Error("Server.listProfilesHandler: failed to list profiles", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list profiles"))
		return
	}
	if profiles == nil {
		profiles = []models.Profile{}
	}
	slog.Debug("Server.listProfilesHandler: profiles listed", "count", len(profiles))
	writeJSONResponse(w, http.StatusOK, models.Success(profiles))
}

func (s *Server) getProfileHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	p, err := s.st.GetProfile(userID)
	if err != nil {
		slog.Error("Server.getProfileHandler: failed to load profile", "error", err, "userID", userID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load profile"))
		return
	}
	if p == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Profile not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(p))
}

func (s *Server) receiptsHandler(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.st.GetReceipts()
	if err != nil {
		slog.Error("Server.receiptsHandler: failed to fetch receipts", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch receipts"))
		return
	}
	slog.Debug("Server.receiptsHandler: receipts fetched", "count", len(receipts))
	writeJSONResponse(w, http.StatusOK, models.Success(receipts))
}

// bearerAuth rejects requests whose Authorization header does not carry token.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				slog.Warn("Server.bearerAuth: unauthorized admin request", "path", r.URL.Path, "remote", r.RemoteAddr)
				writeJSONResponse(w, http.StatusUnauthorized, models.Error("Unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger logs every request with slog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("Server: request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"requestID", middleware.GetReqID(r.Context()))
	})
}
