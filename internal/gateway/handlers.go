package gateway

import (
	"net/http"
	"time"

	"github.com/MrWong99/voicedesk/internal/auth"
)

// ── Voice ────────────────────────────────────────────────────────────────────

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.voice.Snapshot())
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	s.voice.Open(r.Context())
	writeJSON(w, http.StatusOK, s.voice.Snapshot())
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	s.voice.Close(r.Context())
	writeJSON(w, http.StatusOK, s.voice.Snapshot())
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.voice.Clear(r.Context())
	writeJSON(w, http.StatusOK, s.voice.Snapshot())
}

func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	if err := s.voice.StartListening(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.voice.Snapshot())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.voice.StopListening(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.voice.Snapshot())
}

type textRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.voice.SubmitText(r.Context(), req.Text); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.voice.Snapshot())
}

// ── Auth ─────────────────────────────────────────────────────────────────────

type sessionResponse struct {
	Status auth.Status `json:"status"`
	Step   auth.Step   `json:"step"`
	User   *auth.User  `json:"user,omitempty"`
}

type stepResponse struct {
	Step      auth.Step  `json:"step"`
	RequestID string     `json:"otpRequestId,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	DevOTP    string     `json:"otp,omitempty"`
}

func (s *Server) stepResponse(step auth.Step) stepResponse {
	out := stepResponse{Step: step}
	if step == auth.StepOTP {
		p := s.auth.Pending()
		out.RequestID, out.DevOTP = p.RequestID, p.DevOTP
		if !p.ExpiresAt.IsZero() {
			out.ExpiresAt = &p.ExpiresAt
		}
	}
	return out
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	res := sessionResponse{Status: s.session.Status(), Step: s.auth.Step()}
	if u, ok := s.session.User(); ok {
		res.User = &u
	}
	writeJSON(w, http.StatusOK, res)
}

type startRequest struct {
	NationalID  string `json:"nationalId"`
	PhoneNumber string `json:"phoneNumber"`
}

func (s *Server) handleAuthStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	step, err := s.auth.Begin(r.Context(), req.NationalID, req.PhoneNumber)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.stepResponse(step))
}

type signupRequest struct {
	FullName string `json:"fullName"`
}

func (s *Server) handleAuthSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	step, err := s.auth.Signup(r.Context(), req.FullName)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.stepResponse(step))
}

type verifyRequest struct {
	OTP string `json:"otp"`
}

type verifyResponse struct {
	User auth.User `json:"user"`
}

func (s *Server) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	u, err := s.auth.Verify(r.Context(), req.OTP)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{User: u})
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	s.auth.SignOut(r.Context())
	w.WriteHeader(http.StatusNoContent)
}
