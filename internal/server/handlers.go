package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"tether/internal/api"
	"tether/internal/enroll"
	"tether/internal/policy"
)

// Org identifies the managing organization in enrollment responses.
type Org struct {
	ID           string
	Name         string
	ContactEmail string
	SupportPhone string
}

// Server wires the store and push hub behind the HTTP API.
type Server struct {
	store    *Store
	hub      *Hub
	org      Org
	upgrader websocket.Upgrader
}

// NewServer creates the HTTP server over an initialized store.
func NewServer(store *Store, hub *Hub, org Org) *Server {
	return &Server{
		store: store,
		hub:   hub,
		org:   org,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Routes registers all API routes on a new mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/v1/enroll", s.handleEnroll)
	mux.HandleFunc("POST /api/v1/enroll-tokens", s.admin(s.handleCreateEnrollToken))

	mux.HandleFunc("GET /api/v1/groups/{groupID}/devices", s.admin(s.handleMemberDevices))
	mux.HandleFunc("GET /api/v1/devices/{deviceID}/settings", s.auth(s.handleGetSettings))
	mux.HandleFunc("PATCH /api/v1/devices/{deviceID}/settings", s.admin(s.handleUpdateSettings))
	mux.HandleFunc("POST /api/v1/devices/{deviceID}/settings/lock", s.admin(s.handleLockSettings))
	mux.HandleFunc("GET /api/v1/devices/{deviceID}/settings/history", s.admin(s.handleHistory))
	mux.HandleFunc("POST /api/v1/devices/bulk-settings", s.admin(s.handleBulkUpdate))

	mux.HandleFunc("GET /api/v1/settings-templates", s.admin(s.handleListTemplates))
	mux.HandleFunc("POST /api/v1/settings-templates", s.admin(s.handleSaveTemplate))
	mux.HandleFunc("DELETE /api/v1/settings-templates/{templateID}", s.admin(s.handleDeleteTemplate))

	mux.HandleFunc("POST /api/v1/devices/{deviceID}/setting", s.device(s.handleOwnSetting))
	mux.HandleFunc("POST /api/v1/unlock-requests", s.device(s.handleCreateRequest))
	mux.HandleFunc("GET /api/v1/devices/{deviceID}/unlock-requests", s.auth(s.handleListRequests))
	mux.HandleFunc("POST /api/v1/unlock-requests/{requestID}/withdraw", s.device(s.handleWithdrawRequest))
	mux.HandleFunc("POST /api/v1/unlock-requests/{requestID}/decide", s.admin(s.handleDecideRequest))

	mux.HandleFunc("POST /api/v1/devices/{deviceID}/unenroll", s.auth(s.handleUnenroll))
	mux.HandleFunc("POST /api/v1/push/register", s.device(s.handleRegisterPush))
	mux.HandleFunc("GET /api/v1/push/ws", s.handlePushSocket)

	return mux
}

type authedHandler func(w http.ResponseWriter, r *http.Request, p *Principal)

// auth accepts any authenticated principal.
func (s *Server) auth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.store.Authenticate(bearerToken(r))
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, r, p)
	}
}

// admin accepts admin sessions only.
func (s *Server) admin(next authedHandler) http.HandlerFunc {
	return s.auth(func(w http.ResponseWriter, r *http.Request, p *Principal) {
		if p.Kind != KindAdmin {
			jsonError(w, http.StatusForbidden, "admin session required")
			return
		}
		next(w, r, p)
	})
}

// device accepts device sessions only, and only for the device's own
// resources.
func (s *Server) device(next authedHandler) http.HandlerFunc {
	return s.auth(func(w http.ResponseWriter, r *http.Request, p *Principal) {
		if p.Kind != KindDevice {
			jsonError(w, http.StatusForbidden, "device session required")
			return
		}
		if id := r.PathValue("deviceID"); id != "" && id != p.SubjectID {
			jsonError(w, http.StatusForbidden, "not your device")
			return
		}
		next(w, r, p)
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	token, p, err := s.store.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, ErrBadCredentials) {
			jsonError(w, http.StatusUnauthorized, err.Error())
			return
		}
		s.internal(w, "login", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"token":        token,
		"display_name": p.Name,
	})
}

func (s *Server) handleCreateEnrollToken(w http.ResponseWriter, r *http.Request, p *Principal) {
	var req struct {
		GroupID    string `json:"group_id"`
		GroupName  string `json:"group_name"`
		DeviceName string `json:"device_name"`
		TTLHours   int    `json:"ttl_hours"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ttl := time.Duration(req.TTLHours) * time.Hour
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	token, err := s.store.CreateEnrollToken(req.GroupID, req.GroupName, req.DeviceName, ttl)
	if err != nil {
		s.internal(w, "create enroll token", err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{
		"token": token,
		"qr":    enroll.QRPrefix + token,
	})
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req api.EnrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Device.DeviceID == "" {
		jsonError(w, http.StatusBadRequest, "device_id is required")
		return
	}

	info, err := s.store.RedeemEnrollToken(req.Token, req.Device.DeviceID)
	if err != nil {
		switch {
		case errors.Is(err, ErrBadToken):
			jsonError(w, http.StatusNotFound, "enrollment token not found")
		case errors.Is(err, ErrTokenExpired):
			jsonError(w, http.StatusGone, "enrollment token expired")
		case errors.Is(err, ErrTokenUsed):
			jsonError(w, http.StatusConflict, "enrollment token already used")
		default:
			s.internal(w, "redeem enroll token", err)
		}
		return
	}

	name := info.DeviceName
	if name == "" {
		name = req.Device.Model
	}
	if err := s.store.CreateDevice(req.Device.DeviceID, name, info.GroupID, info.GroupName); err != nil {
		s.internal(w, "create device", err)
		return
	}
	// Seed the policy surface so the first fetch is never empty.
	if _, err := s.store.UpdateSettings(req.Device.DeviceID, policy.DefaultSettings, "", "system"); err != nil {
		s.internal(w, "seed settings", err)
		return
	}
	token, err := s.store.CreateDeviceSession(req.Device.DeviceID)
	if err != nil {
		s.internal(w, "create device session", err)
		return
	}

	doc, err := s.store.DeviceSettings(req.Device.DeviceID)
	if err != nil {
		s.internal(w, "load device settings", err)
		return
	}
	locks := make([]string, 0, len(doc.Locks))
	for key := range doc.AllLocks() {
		locks = append(locks, key)
	}

	log.Printf("[ENROLL] device %s joined group %q", req.Device.DeviceID, info.GroupName)
	respondJSON(w, http.StatusOK, api.EnrollResponse{
		Success:     true,
		AccessToken: token,
		Organization: api.OrganizationInfo{
			ID:           s.org.ID,
			Name:         s.org.Name,
			ContactEmail: s.org.ContactEmail,
			SupportPhone: s.org.SupportPhone,
		},
		Policy: api.PolicyPayload{
			Settings:  doc.SettingsValues(),
			Locks:     locks,
			GroupID:   info.GroupID,
			GroupName: info.GroupName,
		},
	})
}

func (s *Server) handleMemberDevices(w http.ResponseWriter, r *http.Request, p *Principal) {
	resp, err := s.store.MemberDevices(r.PathValue("groupID"))
	if err != nil {
		s.internal(w, "list devices", err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request, p *Principal) {
	deviceID := r.PathValue("deviceID")
	if p.Kind == KindDevice && p.SubjectID != deviceID {
		jsonError(w, http.StatusForbidden, "not your device")
		return
	}
	resp, err := s.store.DeviceSettings(deviceID)
	if err != nil {
		s.storeError(w, "load settings", err)
		return
	}
	if p.Kind == KindDevice {
		s.store.TouchDevice(deviceID)
		// Owner identity is admin-facing only.
		resp.OwnerUserID = ""
		resp.OwnerEmail = ""
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request, p *Principal) {
	deviceID := r.PathValue("deviceID")
	var req api.UpdateSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	resp, err := s.store.UpdateSettings(deviceID, req.Settings, p.SubjectID, p.Name)
	if err != nil {
		s.storeError(w, "update settings", err)
		return
	}
	if len(resp.Updated) > 0 {
		s.hub.SendToDevice(deviceID, api.FrameSettingsUpdated, api.SettingsUpdatedPayload{
			UpdatedSettings: resp.AppliedSettings(),
			UpdatedBy:       p.Name,
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLockSettings(w http.ResponseWriter, r *http.Request, p *Principal) {
	deviceID := r.PathValue("deviceID")
	var req api.LockSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	resp, err := s.store.SetLocks(deviceID, req.SettingKeys, req.Lock, p.SubjectID, p.Name)
	if err != nil {
		s.storeError(w, "set locks", err)
		return
	}
	for _, key := range req.SettingKeys {
		s.hub.SendToDevice(deviceID, api.FrameLockChanged, api.LockChangedPayload{
			SettingKey: key,
			IsLocked:   req.Lock,
			AdminName:  p.Name,
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, p *Principal) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	resp, err := s.store.History(r.PathValue("deviceID"), limit, offset)
	if err != nil {
		s.internal(w, "load history", err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBulkUpdate(w http.ResponseWriter, r *http.Request, p *Principal) {
	var req api.BulkUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	resp := s.store.BulkUpdate(req, p.SubjectID, p.Name)
	for _, d := range resp.Successful {
		if len(d.AppliedSettings) > 0 {
			s.hub.SendToDevice(d.DeviceID, api.FrameSettingsUpdated, api.SettingsUpdatedPayload{
				UpdatedSettings: d.AppliedSettings,
				UpdatedBy:       p.Name,
			})
		}
		for _, key := range req.Locks {
			s.hub.SendToDevice(d.DeviceID, api.FrameLockChanged, api.LockChangedPayload{
				SettingKey: key, IsLocked: true, AdminName: p.Name,
			})
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request, p *Principal) {
	resp, err := s.store.Templates(p.SubjectID)
	if err != nil {
		s.internal(w, "list templates", err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSaveTemplate(w http.ResponseWriter, r *http.Request, p *Principal) {
	var req api.SaveTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		jsonError(w, http.StatusBadRequest, "template name is required")
		return
	}
	tmpl, err := s.store.SaveTemplate(req, p.SubjectID, p.Name)
	if err != nil {
		if errors.Is(err, ErrTemplateNotFound) {
			jsonError(w, http.StatusNotFound, err.Error())
			return
		}
		s.internal(w, "save template", err)
		return
	}
	respondJSON(w, http.StatusOK, api.SaveTemplateResponse{Success: true, Template: tmpl})
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request, p *Principal) {
	err := s.store.DeleteTemplate(r.PathValue("templateID"))
	if err != nil {
		if errors.Is(err, ErrTemplateNotFound) {
			jsonError(w, http.StatusNotFound, err.Error())
			return
		}
		s.internal(w, "delete template", err)
		return
	}
	respondJSON(w, http.StatusOK, api.AckResponse{Success: true})
}

func (s *Server) handleOwnSetting(w http.ResponseWriter, r *http.Request, p *Principal) {
	var req api.UpdateSettingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	resp, err := s.store.UpdateOwnSetting(r.PathValue("deviceID"), req.Key, req.Value)
	if err != nil {
		s.storeError(w, "update own setting", err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request, p *Principal) {
	var req api.CreateUnlockRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DeviceID != p.SubjectID {
		jsonError(w, http.StatusForbidden, "not your device")
		return
	}
	rec, err := s.store.CreateUnlockRequest(req.DeviceID, req.SettingKey, req.Reason, p.SubjectID, p.Name)
	if err != nil {
		switch {
		case errors.Is(err, ErrReasonOutOfBounds),
			errors.Is(err, ErrSettingNotLocked):
			jsonError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrDuplicateRequest):
			jsonError(w, http.StatusConflict, err.Error())
		default:
			s.internal(w, "create unlock request", err)
		}
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request, p *Principal) {
	deviceID := r.PathValue("deviceID")
	if p.Kind == KindDevice && p.SubjectID != deviceID {
		jsonError(w, http.StatusForbidden, "not your device")
		return
	}
	resp, err := s.store.UnlockRequests(deviceID, r.URL.Query().Get("status"))
	if err != nil {
		s.internal(w, "list unlock requests", err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWithdrawRequest(w http.ResponseWriter, r *http.Request, p *Principal) {
	requestID := r.PathValue("requestID")
	rec, err := s.store.UnlockRequest(requestID)
	if err != nil {
		s.storeError(w, "load unlock request", err)
		return
	}
	if rec.DeviceID != p.SubjectID {
		jsonError(w, http.StatusForbidden, "not your request")
		return
	}
	if err := s.store.WithdrawRequest(requestID); err != nil {
		if errors.Is(err, ErrRequestNotPending) {
			jsonError(w, http.StatusConflict, err.Error())
			return
		}
		s.storeError(w, "withdraw unlock request", err)
		return
	}
	respondJSON(w, http.StatusOK, api.AckResponse{Success: true})
}

func (s *Server) handleDecideRequest(w http.ResponseWriter, r *http.Request, p *Principal) {
	var req api.DecideUnlockRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rec, err := s.store.DecideRequest(r.PathValue("requestID"), req.Status, req.Response, p.SubjectID, p.Name)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidDecision):
			jsonError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrRequestNotFound):
			jsonError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, ErrRequestNotPending):
			jsonError(w, http.StatusConflict, err.Error())
		default:
			s.internal(w, "decide unlock request", err)
		}
		return
	}

	s.hub.SendToDevice(rec.DeviceID, api.FrameRequestDecided, api.RequestDecidedPayload{
		RequestID:       rec.ID,
		Status:          rec.Status,
		AdminName:       p.Name,
		ResponseMessage: rec.Response,
		RespondedAt:     rec.RespondedAt,
	})
	if policy.ParseRequestStatus(rec.Status) == policy.StatusApproved {
		s.hub.SendToDevice(rec.DeviceID, api.FrameLockChanged, api.LockChangedPayload{
			SettingKey: rec.SettingKey, IsLocked: false, AdminName: p.Name,
		})
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUnenroll(w http.ResponseWriter, r *http.Request, p *Principal) {
	deviceID := r.PathValue("deviceID")
	if p.Kind == KindDevice && p.SubjectID != deviceID {
		jsonError(w, http.StatusForbidden, "not your device")
		return
	}
	if err := s.store.DeleteDevice(deviceID); err != nil {
		s.storeError(w, "unenroll device", err)
		return
	}
	s.store.RevokeDeviceSessions(deviceID)
	log.Printf("[ENROLL] device %s unenrolled", deviceID)
	respondJSON(w, http.StatusOK, api.AckResponse{Success: true})
}

func (s *Server) handleRegisterPush(w http.ResponseWriter, r *http.Request, p *Principal) {
	var req api.RegisterPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.GroupID == "" {
		jsonError(w, http.StatusBadRequest, "push registration requires a group association")
		return
	}
	// Socket subscriptions carry delivery today; the token is stored for
	// store-and-forward transports.
	if err := s.store.SavePushToken(p.SubjectID, req.Token, req.Platform, req.GroupID); err != nil {
		s.internal(w, "register push token", err)
		return
	}
	log.Printf("[PUSH] registered token for device %s", p.SubjectID)
	respondJSON(w, http.StatusOK, api.AckResponse{Success: true})
}

func (s *Server) handlePushSocket(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.Authenticate(bearerToken(r))
	if err != nil || p.Kind != KindDevice {
		jsonError(w, http.StatusUnauthorized, "device session required")
		return
	}
	if id := r.URL.Query().Get("device_id"); id != "" && id != p.SubjectID {
		jsonError(w, http.StatusForbidden, "not your device")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[HUB] upgrade failed for %s: %v", p.SubjectID, err)
		return
	}
	s.hub.Register(p.SubjectID, conn)
	s.store.TouchDevice(p.SubjectID)

	// Reads only keep the connection's liveness; devices never send frames.
	go func() {
		defer func() {
			s.hub.Unregister(p.SubjectID, conn)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			s.store.TouchDevice(p.SubjectID)
		}
	}()
}

// storeError maps store sentinels to status codes, defaulting to 500.
func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrDeviceNotFound),
		errors.Is(err, ErrRequestNotFound):
		jsonError(w, http.StatusNotFound, err.Error())
	default:
		s.internal(w, op, err)
	}
}

func (s *Server) internal(w http.ResponseWriter, op string, err error) {
	log.Printf("[API] %s: %v", op, err)
	jsonError(w, http.StatusInternalServerError, "internal error")
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return token
	}
	return ""
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
